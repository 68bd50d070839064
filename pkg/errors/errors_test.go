// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestHostErrorMatchesSentinel(t *testing.T) {
	err := TimeoutError("analog_probe_do_tare", "1s")
	wrapped := fmt.Errorf("tare: %w", err)

	if !stderrors.Is(wrapped, Timeout) {
		t.Errorf("errors.Is(wrapped, Timeout) = false, want true")
	}
	if stderrors.Is(wrapped, Protocol) {
		t.Errorf("errors.Is(wrapped, Protocol) = true, want false")
	}
	if !Is(wrapped, ErrTimeout) {
		t.Errorf("Is(wrapped, ErrTimeout) = false, want true")
	}
}

func TestIsWalksNestedHostErrors(t *testing.T) {
	inner := ProtocolError("trig_th", "value %d out of range", -1)
	outer := Wrap(inner, ErrConfigValidation, "config_analog_probe")

	if !Is(outer, ErrConfigValidation) {
		t.Errorf("Is(outer, ErrConfigValidation) = false, want true")
	}
	if !Is(outer, ErrProtocol) {
		t.Errorf("Is(outer, ErrProtocol) = false, want true")
	}
	if !IsConfig(outer) {
		t.Errorf("IsConfig(outer) = false, want true")
	}
}

func TestErrorString(t *testing.T) {
	err := FlushError("run1.csv", fmt.Errorf("disk full"))
	want := "[LOG_FLUSH] write of 'run1.csv' failed: disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NotConfiguredError("send"), true},
		{ActivationError("lower", []float64{0, 0, 5}, []float64{0, 0, 6}), true},
		{TimeoutError("analog_probe_query_state", "1s"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.want {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRecoverPanic(t *testing.T) {
	run := func() (err error) {
		defer func() { err = RecoverPanic(recover()) }()
		panic("boom")
	}
	err := run()
	if !Is(err, ErrRuntime) {
		t.Fatalf("RecoverPanic code = %v, want %v", err, ErrRuntime)
	}
	if RecoverPanic(nil) != nil {
		t.Errorf("RecoverPanic(nil) != nil")
	}
}
