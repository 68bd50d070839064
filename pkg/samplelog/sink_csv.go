// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package samplelog

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"klipper-analog-probe/pkg/pool"
)

// CSVSink writes each session to <dir>/<name>.
type CSVSink struct {
	dir string
}

// NewCSVSink creates dir if needed.
func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &CSVSink{dir: dir}, nil
}

func (s *CSVSink) Name() string { return "csv" }

// Dir returns the log directory.
func (s *CSVSink) Dir() string { return s.dir }

// Path returns where a session named name is written.
func (s *CSVSink) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// Write writes the header and one row per record, then syncs the file
// data before returning.
func (s *CSVSink) Write(ctx context.Context, job *Job) error {
	f, err := os.OpenFile(s.Path(job.Name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	cw := csv.NewWriter(bw)
	err = cw.Write(Header)
	row := pool.GetRow()
	defer pool.PutRow(row)
	for i := 0; err == nil && i < len(job.Records); i++ {
		if i%1024 == 0 && ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		*row = job.Records[i].AppendRow((*row)[:0])
		err = cw.Write(*row)
	}
	if err == nil {
		cw.Flush()
		err = cw.Error()
	}
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = unix.Fdatasync(int(f.Fd()))
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *CSVSink) Close() error { return nil }
