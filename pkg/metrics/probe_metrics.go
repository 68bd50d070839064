// Prometheus metrics for the analog probe host
//
// One ProbeMetrics value implements the observer interfaces of the
// channel, logging pipeline, state machine and console, and mirrors the
// calibration state into gauges. Everything lives on a private registry
// so tests can build as many instances as they like.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"klipper-analog-probe/pkg/calibration"
	"klipper-analog-probe/pkg/probe"
	"klipper-analog-probe/pkg/samplelog"
)

const namespace = "analog_probe"

// ProbeMetrics holds all probe host metrics
type ProbeMetrics struct {
	// Command channel
	CommandsSent  *prometheus.CounterVec
	Queries       *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	EventsDropped *prometheus.CounterVec

	// Logging pipeline
	SamplesReceived prometheus.Counter
	SessionsFlushed *prometheus.CounterVec
	SessionRecords  prometheus.Histogram
	FlushDuration   prometheus.Histogram
	FlushFailures   *prometheus.CounterVec
	JobsDropped     prometheus.Counter

	// Calibration
	Tare          prometheus.Gauge
	Threshold     prometheus.Gauge
	AutoThreshold prometheus.Gauge
	StdMultiplier prometheus.Gauge

	// State machine
	ProbeState         prometheus.Gauge
	ActivationFailures *prometheus.CounterVec

	// Console
	GCodeCommands *prometheus.CounterVec
	GCodeDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewProbeMetrics creates and registers all metrics.
func NewProbeMetrics() *ProbeMetrics {
	pm := &ProbeMetrics{registry: prometheus.NewRegistry()}

	pm.CommandsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "commands_sent_total",
		Help: "Commands written to the MCU",
	}, []string{"command"})
	pm.Queries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "queries_total",
		Help: "Queries by outcome",
	}, []string{"command", "outcome"})
	pm.QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "query_duration_seconds",
		Help:    "Time from query send to response",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"command"})
	pm.EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "events_dropped_total",
		Help: "MCU messages with no subscriber or that failed to decode",
	}, []string{"kind"})

	pm.SamplesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "samples_received_total",
		Help: "Log samples appended to a session",
	})
	pm.SessionsFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "sessions_flushed_total",
		Help: "Logging sessions written, by reason",
	}, []string{"reason"})
	pm.SessionRecords = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "session_records",
		Help:    "Records per flushed session",
		Buckets: prometheus.ExponentialBuckets(10, 4, 8),
	})
	pm.FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "flush_duration_seconds",
		Help:    "Time spent writing a session to every sink",
		Buckets: prometheus.DefBuckets,
	})
	pm.FlushFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "flush_failures_total",
		Help: "Failed session writes by sink",
	}, []string{"sink"})
	pm.JobsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "flush_jobs_dropped_total",
		Help: "Sessions dropped because the writer queue was full",
	})

	pm.Tare = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "tare",
		Help: "Current tare value",
	})
	pm.Threshold = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "trigger_threshold",
		Help: "Current trigger threshold",
	})
	pm.AutoThreshold = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "auto_threshold",
		Help: "1 when the threshold is derived from the noise estimate",
	})
	pm.StdMultiplier = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "std_multiplier",
		Help: "Standard deviation multiplier for the automatic threshold",
	})

	pm.ProbeState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "multi_state",
		Help: "Multi-probe state: 0 off, 1 first, 2 on",
	})
	pm.ActivationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "activation_failures_total",
		Help: "Activation scripts that moved the toolhead",
	}, []string{"action"})

	pm.GCodeCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "gcode_commands_total",
		Help: "Console commands by result",
	}, []string{"command", "result"})
	pm.GCodeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "gcode_duration_seconds",
		Help:    "Console command execution time",
		Buckets: prometheus.DefBuckets,
	})

	pm.registerAll()
	return pm
}

func (pm *ProbeMetrics) registerAll() {
	pm.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		pm.CommandsSent, pm.Queries, pm.QueryDuration, pm.EventsDropped,
		pm.SamplesReceived, pm.SessionsFlushed, pm.SessionRecords,
		pm.FlushDuration, pm.FlushFailures, pm.JobsDropped,
		pm.Tare, pm.Threshold, pm.AutoThreshold, pm.StdMultiplier,
		pm.ProbeState, pm.ActivationFailures,
		pm.GCodeCommands, pm.GCodeDuration,
	)
}

// Registry returns the private registry served on /metrics.
func (pm *ProbeMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// CommandSent implements channel.Observer.
func (pm *ProbeMetrics) CommandSent(name string) {
	pm.CommandsSent.WithLabelValues(name).Inc()
}

// QueryDone implements channel.Observer.
func (pm *ProbeMetrics) QueryDone(name, outcome string, elapsed time.Duration) {
	pm.Queries.WithLabelValues(name, outcome).Inc()
	pm.QueryDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// EventDropped implements channel.Observer.
func (pm *ProbeMetrics) EventDropped(kind string) {
	pm.EventsDropped.WithLabelValues(kind).Inc()
}

// SampleRecorded implements samplelog.Observer.
func (pm *ProbeMetrics) SampleRecorded() {
	pm.SamplesReceived.Inc()
}

// SessionFlushed implements samplelog.Observer.
func (pm *ProbeMetrics) SessionFlushed(job *samplelog.Job, elapsed time.Duration) {
	pm.SessionsFlushed.WithLabelValues(job.Reason).Inc()
	pm.SessionRecords.Observe(float64(len(job.Records)))
	pm.FlushDuration.Observe(elapsed.Seconds())
}

// FlushFailed implements samplelog.Observer.
func (pm *ProbeMetrics) FlushFailed(sink string, err error) {
	pm.FlushFailures.WithLabelValues(sink).Inc()
}

// JobDropped implements samplelog.Observer.
func (pm *ProbeMetrics) JobDropped(name string) {
	pm.JobsDropped.Inc()
}

// StateChanged implements probe.Observer.
func (pm *ProbeMetrics) StateChanged(s probe.MultiState) {
	pm.ProbeState.Set(float64(s))
}

// ActivationFailed implements probe.Observer.
func (pm *ProbeMetrics) ActivationFailed(action string) {
	pm.ActivationFailures.WithLabelValues(action).Inc()
}

// CommandExecuted implements gcode.Observer.
func (pm *ProbeMetrics) CommandExecuted(name string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	pm.GCodeCommands.WithLabelValues(name, result).Inc()
	pm.GCodeDuration.Observe(elapsed.Seconds())
}

// SetCalibration mirrors a calibration state; pass it to
// calibration.Engine.OnChange.
func (pm *ProbeMetrics) SetCalibration(s calibration.State) {
	pm.Tare.Set(s.Tare)
	pm.Threshold.Set(s.Threshold)
	pm.StdMultiplier.Set(s.StdMultiplier)
	if s.AutoThreshold {
		pm.AutoThreshold.Set(1)
	} else {
		pm.AutoThreshold.Set(0)
	}
}
