// Package probe sequences analog probe activation across single and
// multi-sample probing, and arms the probe for homing.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package probe

import (
	"context"
	"fmt"
	"sync"

	"klipper-analog-probe/pkg/calibration"
	"klipper-analog-probe/pkg/channel"
	"klipper-analog-probe/pkg/errors"
	"klipper-analog-probe/pkg/log"
)

// MultiState tracks probe engagement across a multi-sample run.
type MultiState int

const (
	Off MultiState = iota
	First
	On
)

func (s MultiState) String() string {
	switch s {
	case Off:
		return "OFF"
	case First:
		return "FIRST"
	case On:
		return "ON"
	}
	return fmt.Sprintf("MultiState(%d)", int(s))
}

// PositionSource reports the toolhead position.
type PositionSource interface {
	Position() ([]float64, error)
}

// ScriptRunner runs an activation script.
type ScriptRunner interface {
	RunScript(ctx context.Context, script string) error
}

// Tarer refreshes the calibration before homing.
type Tarer interface {
	Tare(ctx context.Context) (calibration.State, error)
}

// Commander is the part of the probe channel used for homing.
type Commander interface {
	Home(a channel.HomeArgs) error
	QueryState(ctx context.Context) (channel.EndstopState, error)
}

// Clock converts print time to MCU ticks.
type Clock interface {
	PrintTimeToClock(printTime float64) uint32
	SecondsToTicks(seconds float64) uint32
}

// Observer is told about state changes and activation failures.
type Observer interface {
	StateChanged(s MultiState)
	ActivationFailed(action string)
}

// Config configures a Probe.
type Config struct {
	// StowOnEachSample re-engages the probe for every sample.
	StowOnEachSample bool
	ActivateScript   string
	DeactivateScript string
	ZOffset          float64
	// Invert flips the pin level reported by the firmware.
	Invert bool
}

// HomeRequest is one homing move.
type HomeRequest struct {
	PrintTime     float64
	SampleTime    float64
	SampleCount   uint8
	RestTime      float64
	Triggered     bool
	TrsyncOID     uint8
	TriggerReason uint8
}

// Probe is the activation state machine of one analog probe.
type Probe struct {
	cfg     Config
	pos     PositionSource
	scripts ScriptRunner
	tarer   Tarer
	cmd     Commander
	clock   Clock
	obs     Observer
	log     *log.Logger

	mu     sync.Mutex
	state  MultiState
	failed error
}

// New creates a probe in state Off. obs may be nil.
func New(cfg Config, pos PositionSource, scripts ScriptRunner, tarer Tarer, cmd Commander, clock Clock, obs Observer) *Probe {
	return &Probe{
		cfg:     cfg,
		pos:     pos,
		scripts: scripts,
		tarer:   tarer,
		cmd:     cmd,
		clock:   clock,
		obs:     obs,
		log:     log.GetLogger("probe"),
	}
}

// State returns the multi-probe state.
func (p *Probe) State() MultiState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ZOffset returns the configured trigger height.
func (p *Probe) ZOffset() float64 {
	return p.cfg.ZOffset
}

func (p *Probe) setState(s MultiState) {
	p.mu.Lock()
	changed := p.state != s
	p.state = s
	p.mu.Unlock()
	if changed && p.obs != nil {
		p.obs.StateChanged(s)
	}
}

// MultiProbeBegin starts a multi-sample run.
func (p *Probe) MultiProbeBegin() {
	if p.cfg.StowOnEachSample {
		return
	}
	p.mu.Lock()
	p.failed = nil
	p.mu.Unlock()
	p.setState(First)
}

// ProbePrepare engages the probe before a sample unless it is already
// engaged for the run.
func (p *Probe) ProbePrepare(ctx context.Context) error {
	switch st := p.State(); st {
	case Off, First:
		if err := p.lowerProbe(ctx); err != nil {
			return err
		}
		p.mu.Lock()
		p.failed = nil
		p.mu.Unlock()
		if st == First {
			p.setState(On)
		}
		return nil
	case On:
		return nil
	default:
		panic(fmt.Sprintf("probe: invalid state %v", st))
	}
}

// ProbeFinish stows the probe after a sample unless a multi-sample run
// keeps it engaged.
func (p *Probe) ProbeFinish(ctx context.Context) error {
	switch st := p.State(); st {
	case Off:
		return p.raiseProbe(ctx)
	case First, On:
		return nil
	default:
		panic(fmt.Sprintf("probe: invalid state %v", st))
	}
}

// MultiProbeEnd stows the probe at the end of a multi-sample run.
func (p *Probe) MultiProbeEnd(ctx context.Context) error {
	if p.cfg.StowOnEachSample {
		return nil
	}
	err := p.raiseProbe(ctx)
	p.setState(Off)
	return err
}

func (p *Probe) lowerProbe(ctx context.Context) error {
	return p.runActivation(ctx, "lower", p.cfg.ActivateScript)
}

func (p *Probe) raiseProbe(ctx context.Context) error {
	return p.runActivation(ctx, "raise", p.cfg.DeactivateScript)
}

// runActivation runs script and fails if the toolhead moved meanwhile.
func (p *Probe) runActivation(ctx context.Context, action, script string) error {
	before, err := p.pos.Position()
	if err != nil {
		return err
	}
	if err := p.scripts.RunScript(ctx, script); err != nil {
		return err
	}
	after, err := p.pos.Position()
	if err != nil {
		return err
	}
	if samePosition(before, after) {
		return nil
	}

	aerr := errors.ActivationError(action, before, after)
	p.log.WithFields(log.Fields{"before": before, "after": after}).
		Error("toolhead moved during probe %s", action)
	p.mu.Lock()
	p.failed = aerr
	p.mu.Unlock()
	p.setState(Off)
	if p.obs != nil {
		p.obs.ActivationFailed(action)
	}
	return aerr
}

func samePosition(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HomeStart tares the probe and arms it for a homing move.
func (p *Probe) HomeStart(ctx context.Context, req HomeRequest) error {
	p.mu.Lock()
	failed := p.failed
	p.mu.Unlock()
	if failed != nil {
		return errors.Wrap(failed, errors.ErrActivation, "homing refused after failed activation")
	}

	if _, err := p.tarer.Tare(ctx); err != nil {
		return err
	}
	clock := p.clock.PrintTimeToClock(req.PrintTime)
	restEnd := p.clock.PrintTimeToClock(req.PrintTime + req.RestTime)
	return p.cmd.Home(channel.HomeArgs{
		Clock:         clock,
		SampleTicks:   p.clock.SecondsToTicks(req.SampleTime),
		SampleCount:   req.SampleCount,
		RestTicks:     restEnd - clock,
		PinValue:      req.Triggered != p.cfg.Invert,
		TrsyncOID:     req.TrsyncOID,
		TriggerReason: req.TriggerReason,
	})
}

// HomeStop disarms the probe.
func (p *Probe) HomeStop() error {
	return p.cmd.Home(channel.HomeArgs{})
}

// QueryEndstop reports whether the probe reads as triggered.
func (p *Probe) QueryEndstop(ctx context.Context) (bool, error) {
	st, err := p.cmd.QueryState(ctx)
	if err != nil {
		return false, err
	}
	return st.PinValue != p.cfg.Invert, nil
}
