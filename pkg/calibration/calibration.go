// Package calibration owns the tare and trigger threshold of an analog
// probe.
//
// The firmware is authoritative: a tare query replaces the local state
// wholesale, while threshold changes are sent fire-and-forget and applied
// locally right away. Streamed samples echo the firmware's calibration
// and reconcile any drift between the two.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package calibration

import (
	"context"
	"math"
	"sync"

	"klipper-analog-probe/pkg/channel"
	"klipper-analog-probe/pkg/errors"
	"klipper-analog-probe/pkg/log"
	"klipper-analog-probe/pkg/protocol"
)

// Firmware rolling buffer capacity.
const (
	MinBufferLen = 1
	MaxBufferLen = 200
)

// State is the probe calibration. Values are quantized to their wire
// scales.
type State struct {
	Tare          float64 `json:"tare"`
	Threshold     float64 `json:"threshold"`
	AutoThreshold bool    `json:"auto_threshold"`
	StdMultiplier float64 `json:"std_multiplier"`
}

// Readings are the most recent values streamed by the firmware.
// HostTriggered is the host's own comparison of Current against the
// calibration carried by the same sample.
type Readings struct {
	Valid            bool    `json:"valid"`
	Timestamp        uint32  `json:"timestamp"`
	Raw              int32   `json:"raw"`
	Current          float64 `json:"current"`
	Triggered        bool    `json:"triggered"`
	HostTriggered    bool    `json:"host_triggered"`
	TareBufferLen    uint32  `json:"tare_buffer_len"`
	CurrentBufferLen uint32  `json:"current_buffer_len"`
}

// Commander is the part of the probe channel the engine drives.
type Commander interface {
	DoTare(ctx context.Context) (channel.TareState, error)
	SetThreshold(threshold float64, auto bool, stdMultiplier float64) error
	UpdateBuffer(tareLen, currentLen uint32) error
}

// Config is the configuration-time calibration.
type Config struct {
	TriggerSup       bool
	TriggerInf       bool
	Initial          State
	TareBufferLen    uint32
	CurrentBufferLen uint32
}

// Engine holds the calibration state of one probe.
type Engine struct {
	cmd        Commander
	triggerSup bool
	triggerInf bool
	log        *log.Logger

	mu        sync.Mutex
	state     State
	readings  Readings
	tareLen   uint32
	curLen    uint32
	observers []func(State)
}

// New validates cfg and returns an engine starting from cfg.Initial.
func New(cmd Commander, cfg Config) (*Engine, error) {
	st, err := quantizeState(cfg.Initial)
	if err != nil {
		return nil, err
	}
	if err := checkBufferLen("tare_buffer_len", cfg.TareBufferLen); err != nil {
		return nil, err
	}
	if err := checkBufferLen("current_buffer_len", cfg.CurrentBufferLen); err != nil {
		return nil, err
	}
	return &Engine{
		cmd:        cmd,
		triggerSup: cfg.TriggerSup,
		triggerInf: cfg.TriggerInf,
		log:        log.GetLogger("calibration"),
		state:      st,
		tareLen:    cfg.TareBufferLen,
		curLen:     cfg.CurrentBufferLen,
	}, nil
}

func quantizeState(s State) (State, error) {
	var err error
	if s.Tare, err = protocol.Quantize("tare", s.Tare, protocol.Milli); err != nil {
		return State{}, err
	}
	if s.Threshold, err = protocol.Quantize("trig_th", s.Threshold, protocol.Milli); err != nil {
		return State{}, err
	}
	if s.StdMultiplier, err = protocol.Quantize("auto_std_mul", s.StdMultiplier, protocol.Centi); err != nil {
		return State{}, err
	}
	return s, nil
}

func checkBufferLen(name string, n uint32) error {
	if n < MinBufferLen || n > MaxBufferLen {
		return errors.ProtocolError(name, "length %d outside [%d, %d]", n, MinBufferLen, MaxBufferLen)
	}
	return nil
}

// OnChange registers fn to receive every new state. fn runs with no
// engine lock held.
func (e *Engine) OnChange(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) publish(s State) {
	e.mu.Lock()
	obs := append(([]func(State))(nil), e.observers...)
	e.mu.Unlock()
	for _, fn := range obs {
		fn(s)
	}
}

// State returns a copy of the current calibration.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Readings returns the last streamed sample values.
func (e *Engine) Readings() Readings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readings
}

// BufferLens returns the tare and current window lengths last sent.
func (e *Engine) BufferLens() (tareLen, currentLen uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tareLen, e.curLen
}

// Tare asks the firmware for a fresh tare. On success the returned
// calibration replaces the local state, including anything SetThreshold
// applied optimistically.
func (e *Engine) Tare(ctx context.Context) (State, error) {
	ts, err := e.cmd.DoTare(ctx)
	if err != nil {
		return e.State(), err
	}
	st := State{
		Tare:          ts.Tare,
		Threshold:     ts.Threshold,
		AutoThreshold: ts.AutoThreshold,
		StdMultiplier: ts.StdMultiplier,
	}
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()

	e.log.WithFields(log.Fields{
		"tare":      st.Tare,
		"threshold": st.Threshold,
		"auto":      st.AutoThreshold,
	}).Info("tare complete")
	e.publish(st)
	return st, nil
}

// SetThreshold switches between firmware-computed and manual thresholds.
// With auto set the firmware derives the threshold from the tare buffer
// as mean + stdMultiplier*std; a nil stdMultiplier keeps the previous
// one. Without auto, manual is used verbatim; a nil manual keeps the
// previous threshold. Invalid values leave the state untouched.
func (e *Engine) SetThreshold(auto bool, manual, stdMultiplier *float64) error {
	e.mu.Lock()
	next := e.state
	e.mu.Unlock()

	next.AutoThreshold = auto
	if auto && stdMultiplier != nil {
		next.StdMultiplier = *stdMultiplier
	}
	if !auto && manual != nil {
		next.Threshold = *manual
	}
	next, err := quantizeState(next)
	if err != nil {
		return err
	}
	if err := e.cmd.SetThreshold(next.Threshold, next.AutoThreshold, next.StdMultiplier); err != nil {
		return err
	}

	e.mu.Lock()
	e.state = next
	e.mu.Unlock()
	e.publish(next)
	return nil
}

// UpdateBuffers forwards new rolling window lengths to the firmware.
func (e *Engine) UpdateBuffers(tareLen, currentLen uint32) error {
	if err := checkBufferLen("tare_buffer_len", tareLen); err != nil {
		return err
	}
	if err := checkBufferLen("current_buffer_len", currentLen); err != nil {
		return err
	}
	if err := e.cmd.UpdateBuffer(tareLen, currentLen); err != nil {
		return err
	}
	e.mu.Lock()
	e.tareLen, e.curLen = tareLen, currentLen
	e.mu.Unlock()
	return nil
}

// Triggered applies the firmware's comparison to current: the deviation
// from tare must exceed the threshold in an enabled direction. The
// comparison is done in wire units, as the firmware does it.
func (e *Engine) Triggered(current float64) bool {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	return e.triggered(st, current)
}

func (e *Engine) triggered(st State, current float64) bool {
	milli := func(v float64) int64 { return int64(math.Round(v * float64(protocol.Milli))) }
	dev := milli(current) - milli(st.Tare)
	if dev <= milli(st.Threshold) && -dev <= milli(st.Threshold) {
		return false
	}
	if dev > 0 {
		return e.triggerSup
	}
	return e.triggerInf
}

// Observe records a streamed sample. The sample carries the calibration
// the firmware is actually using, which becomes the local state.
func (e *Engine) Observe(s channel.LogSample) {
	st := State{
		Tare:          s.Tare,
		Threshold:     s.Threshold,
		AutoThreshold: s.AutoThreshold,
		StdMultiplier: s.StdMultiplier,
	}
	e.mu.Lock()
	changed := e.state != st
	e.state = st
	e.readings = Readings{
		Valid:            true,
		Timestamp:        s.Timestamp,
		Raw:              s.Raw,
		Current:          s.Current,
		Triggered:        s.Triggered,
		HostTriggered:    e.triggered(st, s.Current),
		TareBufferLen:    s.TareBufferLen,
		CurrentBufferLen: s.CurrentBufferLen,
	}
	e.tareLen, e.curLen = s.TareBufferLen, s.CurrentBufferLen
	e.mu.Unlock()

	if changed {
		e.publish(st)
	}
}
