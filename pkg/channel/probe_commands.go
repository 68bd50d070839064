// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package channel

import (
	"context"

	"klipper-analog-probe/pkg/protocol"
)

// probeCommands are the outgoing messages a ProbeChannel needs resolved.
var probeCommands = []*protocol.CommandDescriptor{
	protocol.ConfigAnalogProbe,
	protocol.AnalogProbeHome,
	protocol.AnalogProbeQueryState,
	protocol.AnalogProbeDoTare,
	protocol.AnalogProbeSetThresh,
	protocol.AnalogProbeUpdateBuffer,
	protocol.AnalogProbeInitSampling,
	protocol.AnalogProbeStartLog,
	protocol.AnalogProbeStopLog,
	protocol.GetClock,
}

// ProbeConfig is the static configuration sent with config_analog_probe.
type ProbeConfig struct {
	Pin              string
	PullUp           bool
	TriggerSup       bool
	TriggerInf       bool
	Threshold        float64
	AutoThreshold    bool
	StdMultiplier    float64
	TareBufferLen    uint32
	CurrentBufferLen uint32
}

// HomeArgs is one analog_probe_home request.
type HomeArgs struct {
	Clock         uint32
	SampleTicks   uint32
	SampleCount   uint8
	RestTicks     uint32
	PinValue      bool
	TrsyncOID     uint8
	TriggerReason uint8
}

// ProbeChannel is the command set of one analog probe object.
type ProbeChannel struct {
	ch  *Channel
	oid OID
}

// NewProbeChannel registers the probe's config and restart commands on
// ch. Call Configure afterwards.
func NewProbeChannel(ch *Channel, oid OID, cfg ProbeConfig) *ProbeChannel {
	pc := &ProbeChannel{ch: ch, oid: oid}
	ch.AddConfigCmd(protocol.ConfigAnalogProbe, false,
		pc.o(), cfg.Pin, cfg.PullUp, cfg.TriggerSup, cfg.TriggerInf,
		cfg.Threshold, cfg.AutoThreshold, cfg.StdMultiplier,
		cfg.TareBufferLen, cfg.CurrentBufferLen)
	// a restarted host must not find the probe still armed
	ch.AddConfigCmd(protocol.AnalogProbeHome, true,
		pc.o(), uint32(0), uint32(0), uint8(0), uint32(0), false, uint8(0), uint8(0))
	return pc
}

func (pc *ProbeChannel) o() uint8 { return uint8(pc.oid) }

// OID returns the probe object id.
func (pc *ProbeChannel) OID() OID { return pc.oid }

// Channel returns the underlying channel.
func (pc *ProbeChannel) Channel() *Channel { return pc.ch }

// Configure resolves every probe descriptor and sends the configuration.
func (pc *ProbeChannel) Configure(ctx context.Context) error {
	return pc.ch.Configure(ctx, probeCommands...)
}

// Attach resolves every probe descriptor and sends only the restart
// commands.
func (pc *ProbeChannel) Attach(ctx context.Context) error {
	return pc.ch.Attach(ctx, probeCommands...)
}

// Home arms (or, with SampleCount zero, disarms) the probe.
func (pc *ProbeChannel) Home(a HomeArgs) error {
	return pc.ch.Send(protocol.AnalogProbeHome, pc.o(), a.Clock, a.SampleTicks,
		a.SampleCount, a.RestTicks, a.PinValue, a.TrsyncOID, a.TriggerReason)
}

// QueryState asks for the endstop state.
func (pc *ProbeChannel) QueryState(ctx context.Context) (EndstopState, error) {
	ev, err := pc.ch.Query(ctx, protocol.AnalogProbeQueryState, protocol.EndstopState, pc.o())
	if err != nil {
		return EndstopState{}, err
	}
	return ev.(EndstopState), nil
}

// DoTare asks the firmware to recompute tare and returns its calibration.
func (pc *ProbeChannel) DoTare(ctx context.Context) (TareState, error) {
	ev, err := pc.ch.Query(ctx, protocol.AnalogProbeDoTare, protocol.AnalogProbeTareState, pc.o())
	if err != nil {
		return TareState{}, err
	}
	return ev.(TareState), nil
}

// SetThreshold replaces threshold, auto flag and multiplier.
func (pc *ProbeChannel) SetThreshold(threshold float64, auto bool, stdMultiplier float64) error {
	return pc.ch.Send(protocol.AnalogProbeSetThresh, pc.o(), threshold, auto, stdMultiplier)
}

// UpdateBuffer changes the firmware's rolling window lengths.
func (pc *ProbeChannel) UpdateBuffer(tareLen, currentLen uint32) error {
	return pc.ch.Send(protocol.AnalogProbeUpdateBuffer, pc.o(), tareLen, currentLen)
}

// InitSampling starts continuous sampling at clock, every restTicks.
func (pc *ProbeChannel) InitSampling(clock, restTicks uint32) error {
	return pc.ch.Send(protocol.AnalogProbeInitSampling, pc.o(), clock, restTicks)
}

// StartLog streams samples for logTicks.
func (pc *ProbeChannel) StartLog(logTicks uint32) error {
	return pc.ch.Send(protocol.AnalogProbeStartLog, pc.o(), logTicks)
}

// StopLog ends sample streaming.
func (pc *ProbeChannel) StopLog() error {
	return pc.ch.Send(protocol.AnalogProbeStopLog, pc.o())
}

// OnLog subscribes to streamed samples.
func (pc *ProbeChannel) OnLog(h func(LogSample)) {
	pc.ch.Subscribe(pc.oid, KindLog, func(ev Event) { h(ev.(LogSample)) })
}

// OnActivity subscribes to sampling activity changes.
func (pc *ProbeChannel) OnActivity(h func(Activity)) {
	pc.ch.Subscribe(pc.oid, KindActivity, func(ev Event) { h(ev.(Activity)) })
}

// GetClock queries the MCU clock.
func (c *Channel) GetClock(ctx context.Context) (ClockReport, error) {
	ev, err := c.Query(ctx, protocol.GetClock, protocol.Clock)
	if err != nil {
		return ClockReport{}, err
	}
	return ev.(ClockReport), nil
}
