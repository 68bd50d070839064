// Package analogprobe wires one analog contact probe together: its
// command channel, calibration engine, logging pipeline and activation
// state machine, plus the console commands that drive them.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package analogprobe

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"klipper-analog-probe/pkg/calibration"
	"klipper-analog-probe/pkg/channel"
	"klipper-analog-probe/pkg/clocksync"
	"klipper-analog-probe/pkg/config"
	"klipper-analog-probe/pkg/errors"
	"klipper-analog-probe/pkg/log"
	"klipper-analog-probe/pkg/probe"
	"klipper-analog-probe/pkg/reactor"
	"klipper-analog-probe/pkg/samplelog"
	"klipper-analog-probe/pkg/statusws"
)

const (
	// scheduleAhead is how far in the future sampling is started.
	scheduleAhead = 0.1
	// expiryGrace is added to a session's duration before the safety
	// stop fires.
	expiryGrace = 1.0
)

// Notifier pushes status notifications to remote clients.
type Notifier interface {
	Notify(method string, params interface{})
}

// Metrics receives pipeline, state machine and calibration updates.
type Metrics interface {
	samplelog.Observer
	probe.Observer
	SetCalibration(s calibration.State)
}

// Config is the static probe configuration.
type Config struct {
	OID   channel.OID
	Probe config.ProbeSection
}

// Deps are the host services a probe runs on.
type Deps struct {
	Channel  *channel.Channel
	Reactor  *reactor.Reactor
	Clock    *clocksync.ClockSync
	Toolhead probe.PositionSource
	Scripts  probe.ScriptRunner
	// Sinks receive flushed sessions. Without any, a CSV sink in the
	// configured log directory is created.
	Sinks []samplelog.Sink
	// Metrics and Notifier are optional.
	Metrics  Metrics
	Notifier Notifier
}

// Probe is one configured analog probe.
type Probe struct {
	cfg     config.ProbeSection
	pc      *channel.ProbeChannel
	cal     *calibration.Engine
	logs    *samplelog.Pipeline
	sm      *probe.Probe
	clock   mcuClock
	reactor *reactor.Reactor
	metrics Metrics
	notify  Notifier
	logDir  string
	log     *log.Logger

	expiry *reactor.Timer

	mu        sync.Mutex
	active    bool
	expirySeq uint64
}

// New builds the probe and registers its configuration on the channel.
// Call Configure once the MCU is reachable.
func New(cfg Config, deps Deps) (*Probe, error) {
	pcfg := cfg.Probe
	p := &Probe{
		cfg:     pcfg,
		clock:   mcuClock{cs: deps.Clock, r: deps.Reactor},
		reactor: deps.Reactor,
		metrics: deps.Metrics,
		notify:  deps.Notifier,
		logDir:  pcfg.LogDir,
		log:     log.GetLogger("analog_probe"),
	}
	if p.metrics == nil {
		p.metrics = nopMetrics{}
	}
	if p.notify == nil {
		p.notify = nopNotifier{}
	}

	p.pc = channel.NewProbeChannel(deps.Channel, cfg.OID, channel.ProbeConfig{
		Pin:              pcfg.Pin.Name,
		PullUp:           pcfg.Pin.Pullup,
		TriggerSup:       pcfg.TriggerSup,
		TriggerInf:       pcfg.TriggerInf,
		Threshold:        pcfg.TriggerThreshold,
		AutoThreshold:    pcfg.AutoThreshold,
		StdMultiplier:    pcfg.AutoStdMultiplier,
		TareBufferLen:    uint32(pcfg.TareBufferLen),
		CurrentBufferLen: uint32(pcfg.CurrentBufferLen),
	})

	var err error
	p.cal, err = calibration.New(p.pc, calibration.Config{
		TriggerSup: pcfg.TriggerSup,
		TriggerInf: pcfg.TriggerInf,
		Initial: calibration.State{
			Threshold:     pcfg.TriggerThreshold,
			AutoThreshold: pcfg.AutoThreshold,
			StdMultiplier: pcfg.AutoStdMultiplier,
		},
		TareBufferLen:    uint32(pcfg.TareBufferLen),
		CurrentBufferLen: uint32(pcfg.CurrentBufferLen),
	})
	if err != nil {
		return nil, err
	}
	p.cal.OnChange(p.calibrationChanged)

	sinks := deps.Sinks
	if len(sinks) == 0 {
		csv, err := samplelog.NewCSVSink(pcfg.LogDir)
		if err != nil {
			return nil, err
		}
		sinks = []samplelog.Sink{csv}
	}
	if csv, ok := sinks[0].(*samplelog.CSVSink); ok {
		p.logDir = csv.Dir()
	}
	p.logs = samplelog.New(p.pc, p.clock, samplelog.Options{
		Sinks:    sinks,
		Observer: sessionEvents{p},
	})

	p.sm = probe.New(probe.Config{
		StowOnEachSample: pcfg.StowOnEachSample,
		ActivateScript:   pcfg.ActivateGcode,
		DeactivateScript: pcfg.DeactivateGcode,
		ZOffset:          pcfg.ZOffset,
	}, deps.Toolhead, deps.Scripts, p.cal, p.pc, p.clock, stateEvents{p})

	p.expiry = deps.Reactor.RegisterTimer(p.expireSession, reactor.NEVER)
	p.pc.OnLog(p.onLog)
	p.pc.OnActivity(p.onActivity)
	return p, nil
}

// Configure sends the probe configuration to a freshly started MCU.
func (p *Probe) Configure(ctx context.Context) error {
	return p.pc.Configure(ctx)
}

// Attach binds to an MCU that already holds the configuration.
func (p *Probe) Attach(ctx context.Context) error {
	return p.pc.Attach(ctx)
}

// Calibration returns the calibration engine.
func (p *Probe) Calibration() *calibration.Engine { return p.cal }

// StateMachine returns the activation state machine, which homing and
// probing moves drive.
func (p *Probe) StateMachine() *probe.Probe { return p.sm }

// LogDir is where CSV sessions are written.
func (p *Probe) LogDir() string { return p.logDir }

// SessionPath returns the CSV path of a session name.
func (p *Probe) SessionPath(name string) string {
	return filepath.Join(p.logDir, filepath.Base(name))
}

// Close stops the safety timer and waits for queued sessions to be
// written.
func (p *Probe) Close(ctx context.Context) error {
	p.reactor.UnregisterTimer(p.expiry)
	return p.logs.Close(ctx)
}

func (p *Probe) onLog(s channel.LogSample) {
	p.logs.OnSample(s)
	p.cal.Observe(s)
	if s.Finished {
		p.disarmExpiry()
	}
}

func (p *Probe) onActivity(a channel.Activity) {
	p.mu.Lock()
	changed := p.active != a.Active
	p.active = a.Active
	p.mu.Unlock()

	p.logs.SetSampling(a.Active)
	if changed {
		p.log.WithField("active", a.Active).Info("sampling activity changed")
	}
	p.notify.Notify(statusws.NotifyActivity, map[string]bool{"active": a.Active})
}

func (p *Probe) calibrationChanged(s calibration.State) {
	p.metrics.SetCalibration(s)
	p.notify.Notify(statusws.NotifyCalibration, s)
}

// startSession starts logging and arms the safety stop.
func (p *Probe) startSession(ctx context.Context, name string, interval, duration float64) (uint64, error) {
	seq, err := p.logs.StartSession(ctx, name, interval, duration)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.expirySeq = seq
	p.mu.Unlock()
	p.reactor.UpdateTimer(p.expiry, p.reactor.Monotonic()+duration+expiryGrace)
	return seq, nil
}

func (p *Probe) stopSession(ctx context.Context) error {
	p.disarmExpiry()
	return p.logs.StopSession(ctx)
}

func (p *Probe) disarmExpiry() {
	p.reactor.UpdateTimer(p.expiry, reactor.NEVER)
}

func (p *Probe) expireSession(eventtime float64) float64 {
	p.mu.Lock()
	seq := p.expirySeq
	p.mu.Unlock()
	p.logs.Expire(seq)
	return reactor.NEVER
}

// Status is a point-in-time snapshot of the probe.
type Status struct {
	Calibration      calibration.State       `json:"calibration"`
	Readings         calibration.Readings    `json:"readings"`
	Sampling         bool                    `json:"sampling"`
	Session          samplelog.SessionStatus `json:"session"`
	State            string                  `json:"multi_probe_state"`
	TareBufferLen    uint32                  `json:"tare_buffer_len"`
	CurrentBufferLen uint32                  `json:"current_buffer_len"`
	ZOffset          float64                 `json:"z_offset"`
	LogDir           string                  `json:"log_dir"`
}

// Status returns the current snapshot.
func (p *Probe) Status() Status {
	tareLen, curLen := p.cal.BufferLens()
	return Status{
		Calibration:      p.cal.State(),
		Readings:         p.cal.Readings(),
		Sampling:         p.logs.Sampling(),
		Session:          p.logs.Status(),
		State:            p.sm.State().String(),
		TareBufferLen:    tareLen,
		CurrentBufferLen: curLen,
		ZOffset:          p.sm.ZOffset(),
		LogDir:           p.logDir,
	}
}

// mcuClock converts host time to MCU ticks through the clock estimate.
type mcuClock struct {
	cs *clocksync.ClockSync
	r  *reactor.Reactor
}

func (c mcuClock) SecondsToTicks(seconds float64) uint32 {
	return uint32(c.cs.SecondsToClock(seconds))
}

func (c mcuClock) FutureClock() (uint32, error) {
	if !c.cs.Initialized() {
		return 0, errors.RuntimeError("MCU clock not synchronized")
	}
	return uint32(c.cs.GetClock(c.r.Monotonic() + scheduleAhead)), nil
}

func (c mcuClock) ExtendClock(clock32 uint32) uint64 {
	return uint64(c.cs.Clock32ToClock64(clock32))
}

func (c mcuClock) PrintTimeToClock(printTime float64) uint32 {
	return uint32(c.cs.PrintTimeToClock(printTime))
}

// sessionEvents forwards pipeline events to metrics and clients.
type sessionEvents struct{ p *Probe }

func (e sessionEvents) SampleRecorded() { e.p.metrics.SampleRecorded() }

func (e sessionEvents) SessionFlushed(job *samplelog.Job, elapsed time.Duration) {
	e.p.metrics.SessionFlushed(job, elapsed)
	e.p.notify.Notify(statusws.NotifySessionFlushed, map[string]interface{}{
		"name":     job.Name,
		"reason":   job.Reason,
		"records":  len(job.Records),
		"sequence": job.Sequence,
		"elapsed":  elapsed.Seconds(),
	})
}

func (e sessionEvents) FlushFailed(sink string, err error) { e.p.metrics.FlushFailed(sink, err) }

func (e sessionEvents) JobDropped(name string) { e.p.metrics.JobDropped(name) }

// stateEvents forwards state machine events to metrics and clients.
type stateEvents struct{ p *Probe }

func (e stateEvents) StateChanged(s probe.MultiState) {
	e.p.metrics.StateChanged(s)
	e.p.notify.Notify(statusws.NotifyProbeState, map[string]string{"state": s.String()})
}

func (e stateEvents) ActivationFailed(action string) {
	e.p.metrics.ActivationFailed(action)
	e.p.notify.Notify(statusws.NotifyProbeState, map[string]string{"state": probe.Off.String(), "failed": action})
}

type nopMetrics struct{}

func (nopMetrics) SampleRecorded() {}
func (nopMetrics) SessionFlushed(*samplelog.Job, time.Duration) {}
func (nopMetrics) FlushFailed(string, error) {}
func (nopMetrics) JobDropped(string) {}
func (nopMetrics) StateChanged(probe.MultiState) {}
func (nopMetrics) ActivationFailed(string) {}
func (nopMetrics) SetCalibration(calibration.State) {}

type nopNotifier struct{}

func (nopNotifier) Notify(string, interface{}) {}
