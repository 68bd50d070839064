// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package samplelog

import "time"

// Summary describes a flushed session to remote sinks.
type Summary struct {
	Name      string    `json:"name"`
	Sequence  uint64    `json:"sequence"`
	Reason    string    `json:"reason"`
	Started   time.Time `json:"started"`
	Flushed   time.Time `json:"flushed"`
	Records   int       `json:"records"`
	Triggered int       `json:"triggered"`
}

// Summarize builds the summary of job.
func Summarize(job *Job) Summary {
	s := Summary{
		Name:     job.Name,
		Sequence: job.Sequence,
		Reason:   job.Reason,
		Started:  job.Started,
		Flushed:  job.Flushed,
		Records:  len(job.Records),
	}
	for _, r := range job.Records {
		if r.Triggered {
			s.Triggered++
		}
	}
	return s
}

// chunks splits records into slices of at most n.
func chunks(records []Record, n int) [][]Record {
	var out [][]Record
	for len(records) > n {
		out = append(out, records[:n])
		records = records[n:]
	}
	if len(records) > 0 {
		out = append(out, records)
	}
	return out
}
