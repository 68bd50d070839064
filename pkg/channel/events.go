// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package channel

import (
	"time"

	"klipper-analog-probe/pkg/protocol"
)

// MessageKind identifies an inbound message type. Kinds are bound to MCU
// message ids once, at Configure.
type MessageKind int

const (
	KindEndstopState MessageKind = iota + 1
	KindTareState
	KindLog
	KindActivity
	KindClock
)

func (k MessageKind) String() string {
	switch k {
	case KindEndstopState:
		return "endstop_state"
	case KindTareState:
		return "analog_probe_tare_state"
	case KindLog:
		return "analog_probe_log"
	case KindActivity:
		return "analog_probe_active"
	case KindClock:
		return "clock"
	}
	return "unknown"
}

// Event is the tagged union of decoded inbound messages.
type Event interface {
	Kind() MessageKind
}

// EndstopState answers analog_probe_query_state.
type EndstopState struct {
	OID       OID
	Homing    bool
	NextClock uint32
	PinValue  bool
}

// TareState answers analog_probe_do_tare.
type TareState struct {
	OID           OID
	Tare          float64
	Threshold     float64
	AutoThreshold bool
	StdMultiplier float64
}

// LogSample is one streamed sample. Finished marks the last sample of a
// logging run.
type LogSample struct {
	OID              OID
	Timestamp        uint32
	Raw              int32
	Current          float64
	Tare             float64
	Threshold        float64
	Triggered        bool
	AutoThreshold    bool
	StdMultiplier    float64
	TareBufferLen    uint32
	CurrentBufferLen uint32
	Finished         bool
}

// Activity reports whether continuous sampling is running.
type Activity struct {
	OID    OID
	Active bool
}

// ClockReport answers get_clock.
type ClockReport struct {
	Clock    uint32
	Received time.Time
}

func (EndstopState) Kind() MessageKind { return KindEndstopState }
func (TareState) Kind() MessageKind    { return KindTareState }
func (LogSample) Kind() MessageKind    { return KindLog }
func (Activity) Kind() MessageKind     { return KindActivity }
func (ClockReport) Kind() MessageKind  { return KindClock }

type eventDecoder func(f protocol.Fields, received time.Time) Event

type eventSpec struct {
	desc   *protocol.CommandDescriptor
	kind   MessageKind
	decode eventDecoder
}

// eventSpecs lists every inbound message the channel understands.
var eventSpecs = []eventSpec{
	{protocol.EndstopState, KindEndstopState, func(f protocol.Fields, _ time.Time) Event {
		return EndstopState{
			OID:       OID(f.Uint("oid")),
			Homing:    f.Bool("homing"),
			NextClock: f.Uint("next_clock"),
			PinValue:  f.Bool("pin_value"),
		}
	}},
	{protocol.AnalogProbeTareState, KindTareState, func(f protocol.Fields, _ time.Time) Event {
		return TareState{
			OID:           OID(f.Uint("oid")),
			Tare:          f.Fixed("tare"),
			Threshold:     f.Fixed("trig_th"),
			AutoThreshold: f.Bool("auto_th"),
			StdMultiplier: f.Fixed("auto_std_mul"),
		}
	}},
	{protocol.AnalogProbeLog, KindLog, func(f protocol.Fields, _ time.Time) Event {
		return LogSample{
			OID:              OID(f.Uint("oid")),
			Timestamp:        f.Uint("timestamp"),
			Raw:              f.Int("raw"),
			Current:          f.Fixed("current"),
			Tare:             f.Fixed("tare"),
			Threshold:        f.Fixed("trig_th"),
			Triggered:        f.Bool("triggered"),
			AutoThreshold:    f.Bool("auto_th"),
			StdMultiplier:    f.Fixed("auto_std_mul"),
			TareBufferLen:    f.Uint("tare_buf_len"),
			CurrentBufferLen: f.Uint("cur_buf_len"),
			Finished:         f.Bool("finished"),
		}
	}},
	{protocol.AnalogProbeActive, KindActivity, func(f protocol.Fields, _ time.Time) Event {
		return Activity{OID: OID(f.Uint("oid")), Active: f.Bool("active")}
	}},
	{protocol.Clock, KindClock, func(f protocol.Fields, received time.Time) Event {
		return ClockReport{Clock: f.Uint("clock"), Received: received}
	}},
}

func specFor(kind MessageKind) (eventSpec, bool) {
	for _, s := range eventSpecs {
		if s.kind == kind {
			return s, true
		}
	}
	return eventSpec{}, false
}
