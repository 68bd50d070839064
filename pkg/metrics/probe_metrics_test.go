// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-analog-probe/pkg/calibration"
	"klipper-analog-probe/pkg/channel"
	"klipper-analog-probe/pkg/gcode"
	"klipper-analog-probe/pkg/probe"
	"klipper-analog-probe/pkg/samplelog"
)

// The metrics type is plugged straight into every component.
var (
	_ channel.Observer   = (*ProbeMetrics)(nil)
	_ samplelog.Observer = (*ProbeMetrics)(nil)
	_ probe.Observer     = (*ProbeMetrics)(nil)
	_ gcode.Observer     = (*ProbeMetrics)(nil)
)

func TestChannelMetrics(t *testing.T) {
	pm := NewProbeMetrics()
	pm.CommandSent("analog_probe_set_thresh")
	pm.CommandSent("analog_probe_set_thresh")
	pm.QueryDone("analog_probe_do_tare", channel.OutcomeTimeout, time.Second)
	pm.EventDropped("analog_probe_log")

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.CommandsSent.WithLabelValues("analog_probe_set_thresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.Queries.WithLabelValues("analog_probe_do_tare", "timeout")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.Queries.WithLabelValues("analog_probe_do_tare", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.EventsDropped.WithLabelValues("analog_probe_log")))
}

func TestPipelineMetrics(t *testing.T) {
	pm := NewProbeMetrics()
	for i := 0; i < 3; i++ {
		pm.SampleRecorded()
	}
	job := &samplelog.Job{Name: "run.csv", Reason: samplelog.ReasonStopped, Records: make([]samplelog.Record, 3)}
	pm.SessionFlushed(job, 20*time.Millisecond)
	pm.FlushFailed("redis", fmt.Errorf("connection refused"))
	pm.JobDropped("late.csv")

	assert.Equal(t, 3.0, testutil.ToFloat64(pm.SamplesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.SessionsFlushed.WithLabelValues("stopped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.FlushFailures.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.JobsDropped))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.FlushDuration))
}

func TestCalibrationAndStateGauges(t *testing.T) {
	pm := NewProbeMetrics()
	pm.SetCalibration(calibration.State{Tare: 0.12, Threshold: 0.045, AutoThreshold: true, StdMultiplier: 3})
	assert.Equal(t, 0.12, testutil.ToFloat64(pm.Tare))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.AutoThreshold))

	pm.SetCalibration(calibration.State{Threshold: 1.5})
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.AutoThreshold))
	assert.Equal(t, 1.5, testutil.ToFloat64(pm.Threshold))

	pm.StateChanged(probe.On)
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.ProbeState))
	pm.ActivationFailed("lower")
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.ActivationFailures.WithLabelValues("lower")))

	pm.CommandExecuted("MAKE_TARE", time.Millisecond, nil)
	pm.CommandExecuted("MAKE_TARE", time.Millisecond, fmt.Errorf("timeout"))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.GCodeCommands.WithLabelValues("MAKE_TARE", "error")))
}

func TestRegistryGathers(t *testing.T) {
	pm := NewProbeMetrics()
	pm.SampleRecorded()
	families, err := pm.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["analog_probe_samples_received_total"])
	assert.True(t, names["go_goroutines"])
}
