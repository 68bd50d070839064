// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package samplelog

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const clickhouseTable = `
CREATE TABLE IF NOT EXISTS analog_probe_samples (
    session String,
    sequence UInt64,
    flushed DateTime64(3),
    timestamp UInt64,
    raw Int32,
    current Float64,
    tare Float64,
    threshold Float64,
    triggered UInt8,
    auto_threshold UInt8,
    std_multiplier Float64,
    tare_buffer_len UInt32,
    current_buffer_len UInt32
) ENGINE = MergeTree()
ORDER BY (session, timestamp)
`

// ClickHouseConfig locates the ClickHouse server.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseSink mirrors every session into analog_probe_samples.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects and creates the table.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping ClickHouse: %w", err)
	}
	if err := conn.Exec(ctx, clickhouseTable); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Write inserts the session as one batch. Empty sessions insert nothing.
func (s *ClickHouseSink) Write(ctx context.Context, job *Job) error {
	if len(job.Records) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO analog_probe_samples")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range job.Records {
		err := batch.Append(
			job.Name, job.Sequence, job.Flushed,
			r.Timestamp, r.Raw, r.Current, r.Tare, r.Threshold,
			boolByte(r.Triggered), boolByte(r.AutoThreshold), r.StdMultiplier,
			r.TareBufferLen, r.CurrentBufferLen,
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
