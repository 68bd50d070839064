// Package samplelog records streamed probe samples and writes them out
// without blocking the control loop.
//
// A session collects records in memory. Flushing swaps the records out
// and hands them to a supervised writer goroutine, which owns them from
// then on. Write failures are logged and counted, never retried and
// never reported back to the caller.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package samplelog

import (
	"context"
	"sync"
	"time"

	"klipper-analog-probe/pkg/channel"
	"klipper-analog-probe/pkg/errors"
	"klipper-analog-probe/pkg/log"
)

const DefaultQueueSize = 8

// Commander is the part of the probe channel the pipeline drives.
type Commander interface {
	InitSampling(clock, restTicks uint32) error
	StartLog(logTicks uint32) error
	StopLog() error
}

// TimeSource converts host time to MCU ticks.
type TimeSource interface {
	// SecondsToTicks converts a duration.
	SecondsToTicks(seconds float64) uint32
	// FutureClock returns the MCU clock a short, safe delay from now. It
	// fails while the clock estimate is not yet seeded.
	FutureClock() (uint32, error)
	// ExtendClock widens a 32-bit sample timestamp.
	ExtendClock(clock32 uint32) uint64
}

// Observer is told about pipeline activity. Implementations must not
// block.
type Observer interface {
	SampleRecorded()
	SessionFlushed(job *Job, elapsed time.Duration)
	FlushFailed(sink string, err error)
	JobDropped(name string)
}

// Job is one flushed session. The writer owns Records after handoff.
type Job struct {
	Name     string
	Started  time.Time
	Flushed  time.Time
	Reason   string
	Records  []Record
	Sequence uint64
}

// Flush reasons.
const (
	ReasonFinished = "finished"
	ReasonStopped  = "stopped"
	ReasonExpired  = "expired"
)

// Options configures a Pipeline.
type Options struct {
	// QueueSize bounds the handoff queue. Jobs beyond it are dropped.
	QueueSize int
	// Sinks receive every job in order. The first sink is primary.
	Sinks    []Sink
	Observer Observer
}

// SessionStatus describes the current session.
type SessionStatus struct {
	Active   bool   `json:"active"`
	Name     string `json:"name"`
	Records  int    `json:"records"`
	Sequence uint64 `json:"sequence"`
	Sampling bool   `json:"sampling"`
}

// Pipeline is the logging pipeline of one probe.
type Pipeline struct {
	cmd   Commander
	clock TimeSource
	obs   Observer
	log   *log.Logger

	mu       sync.Mutex
	active   bool
	name     string
	started  time.Time
	records  []Record
	seq      uint64
	sampling bool

	w *writer
}

// New starts the pipeline's writer goroutine. Close stops it.
func New(cmd Commander, clock TimeSource, opts Options) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	p := &Pipeline{
		cmd:   cmd,
		clock: clock,
		obs:   opts.Observer,
		log:   log.GetLogger("samplelog"),
	}
	p.w = startWriter(opts.Sinks, opts.QueueSize, opts.Observer, p.log)
	return p
}

// SetSampling records whether the firmware is sampling continuously.
func (p *Pipeline) SetSampling(active bool) {
	p.mu.Lock()
	p.sampling = active
	p.mu.Unlock()
}

// Sampling reports whether continuous sampling is known to be running.
func (p *Pipeline) Sampling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sampling
}

// InitSampling starts continuous sampling every interval seconds.
func (p *Pipeline) InitSampling(interval float64) error {
	ticks := p.clock.SecondsToTicks(interval)
	if ticks == 0 {
		return errors.ProtocolError("rest_ticks", "interval %v is below one tick", interval)
	}
	start, err := p.clock.FutureClock()
	if err != nil {
		return err
	}
	if err := p.cmd.InitSampling(start, ticks); err != nil {
		return err
	}
	p.SetSampling(true)
	return nil
}

// StartSession discards any in-memory session, starts sampling if it is
// not running and asks the firmware to stream samples for duration
// seconds. It returns the session sequence number.
func (p *Pipeline) StartSession(ctx context.Context, name string, interval, duration float64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	logTicks := p.clock.SecondsToTicks(duration)

	p.mu.Lock()
	if p.active && len(p.records) > 0 {
		p.log.WithFields(log.Fields{"session": p.name, "records": len(p.records)}).
			Warn("discarding unflushed session")
	}
	p.seq++
	seq := p.seq
	p.active = true
	p.name = name
	p.started = time.Now()
	p.records = nil
	sampling := p.sampling
	p.mu.Unlock()

	if !sampling {
		if err := p.InitSampling(interval); err != nil {
			p.abort(seq)
			return 0, err
		}
	}
	if err := p.cmd.StartLog(logTicks); err != nil {
		p.abort(seq)
		return 0, err
	}
	p.log.WithFields(log.Fields{"session": name, "duration": duration}).Info("logging started")
	return seq, nil
}

func (p *Pipeline) abort(seq uint64) {
	p.mu.Lock()
	if p.seq == seq {
		p.active = false
		p.records = nil
	}
	p.mu.Unlock()
}

// OnSample appends a streamed sample to the active session. A sample
// marked finished flushes the session.
func (p *Pipeline) OnSample(s channel.LogSample) {
	rec := NewRecord(s, p.clock.ExtendClock(s.Timestamp))
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.records = append(p.records, rec)
	p.mu.Unlock()

	if p.obs != nil {
		p.obs.SampleRecorded()
	}
	if s.Finished {
		p.flush(ReasonFinished)
	}
}

// StopSession asks the firmware to stop streaming and flushes the active
// session, even one with no records.
func (p *Pipeline) StopSession(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.cmd.StopLog()
	p.flush(ReasonStopped)
	return err
}

// Expire flushes session seq if it is still active. It is the safety
// stop for sessions whose finished sample never arrives.
func (p *Pipeline) Expire(seq uint64) {
	p.mu.Lock()
	live := p.active && p.seq == seq
	p.mu.Unlock()
	if !live {
		return
	}
	p.log.WithField("session", seq).Warn("session outlived its duration")
	if err := p.cmd.StopLog(); err != nil {
		p.log.WithError(err).Warn("stop after expiry failed")
	}
	p.flush(ReasonExpired)
}

// Flush hands the active session to the writer.
func (p *Pipeline) Flush() {
	p.flush(ReasonStopped)
}

func (p *Pipeline) flush(reason string) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	job := &Job{
		Name:     p.name,
		Started:  p.started,
		Flushed:  time.Now(),
		Reason:   reason,
		Records:  p.records,
		Sequence: p.seq,
	}
	p.active = false
	p.records = nil
	p.mu.Unlock()

	p.w.submit(job)
}

// Status returns a snapshot of the session.
func (p *Pipeline) Status() SessionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return SessionStatus{
		Active:   p.active,
		Name:     p.name,
		Records:  len(p.records),
		Sequence: p.seq,
		Sampling: p.sampling,
	}
}

// Close waits for queued jobs to be written, or for ctx to end.
func (p *Pipeline) Close(ctx context.Context) error {
	return p.w.close(ctx)
}
