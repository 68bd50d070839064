// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package samplelog

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"klipper-analog-probe/pkg/channel"
	"klipper-analog-probe/pkg/errors"
	"klipper-analog-probe/pkg/protocol"
)

// Record is one logged sample.
type Record struct {
	Timestamp        uint64  `json:"timestamp"`
	Raw              int32   `json:"raw"`
	Current          float64 `json:"current"`
	Tare             float64 `json:"tare"`
	Threshold        float64 `json:"threshold"`
	AutoThreshold    bool    `json:"auto_threshold"`
	StdMultiplier    float64 `json:"std_multiplier"`
	TareBufferLen    uint32  `json:"tare_buffer_len"`
	CurrentBufferLen uint32  `json:"current_buffer_len"`
	Triggered        bool    `json:"triggered"`
}

// Header is the column row of every log file.
var Header = []string{
	"timestamp", "raw", "current", "tare", "threshold", "triggered",
	"auto_threshold", "std_multiplier", "tare_buffer_len", "current_buffer_len",
}

// NewRecord converts a streamed sample. timestamp is the sample clock
// widened to 64 bits.
func NewRecord(s channel.LogSample, timestamp uint64) Record {
	return Record{
		Timestamp:        timestamp,
		Raw:              s.Raw,
		Current:          s.Current,
		Tare:             s.Tare,
		Threshold:        s.Threshold,
		AutoThreshold:    s.AutoThreshold,
		StdMultiplier:    s.StdMultiplier,
		TareBufferLen:    s.TareBufferLen,
		CurrentBufferLen: s.CurrentBufferLen,
		Triggered:        s.Triggered,
	}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Row renders r in Header order.
func (r Record) Row() []string {
	return r.AppendRow(make([]string, 0, len(Header)))
}

// AppendRow appends the CSV fields of r to dst.
func (r Record) AppendRow(dst []string) []string {
	return append(dst,
		strconv.FormatUint(r.Timestamp, 10),
		strconv.FormatInt(int64(r.Raw), 10),
		protocol.FormatFixed(r.Current, protocol.Milli),
		protocol.FormatFixed(r.Tare, protocol.Milli),
		protocol.FormatFixed(r.Threshold, protocol.Milli),
		flag(r.Triggered),
		flag(r.AutoThreshold),
		protocol.FormatFixed(r.StdMultiplier, protocol.Centi),
		strconv.FormatUint(uint64(r.TareBufferLen), 10),
		strconv.FormatUint(uint64(r.CurrentBufferLen), 10),
	)
}

// DefaultName returns the file name used when none is given.
func DefaultName(now time.Time) string {
	return fmt.Sprintf("analog_probe_%d.csv", now.Unix())
}

// ValidateName checks a user supplied log file name. An empty name gets
// the default; a name without extension gets ".csv". Names must stay
// inside the log directory.
func ValidateName(name string, now time.Time) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultName(now), nil
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", errors.InvalidParameterError("START_LOGGING", "FILENAME", name, "must be a plain file name")
	}
	if filepath.Ext(name) == "" {
		name += ".csv"
	}
	return name, nil
}
