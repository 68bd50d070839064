// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package samplelog

import (
	"context"
	"sync"
	"time"

	"klipper-analog-probe/pkg/errors"
	"klipper-analog-probe/pkg/log"
)

// SinkTimeout bounds one sink write.
const SinkTimeout = 30 * time.Second

// Sink stores flushed sessions. Write runs on the writer goroutine only.
type Sink interface {
	Name() string
	Write(ctx context.Context, job *Job) error
	Close() error
}

type writer struct {
	sinks []Sink
	obs   Observer
	log   *log.Logger

	mu     sync.Mutex
	closed bool
	jobs   chan *Job
	done   chan struct{}
}

func startWriter(sinks []Sink, queue int, obs Observer, l *log.Logger) *writer {
	w := &writer{
		sinks: sinks,
		obs:   obs,
		log:   l,
		jobs:  make(chan *Job, queue),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// submit never blocks. A full queue drops the job.
func (w *writer) submit(job *Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.log.WithField("session", job.Name).Error("writer closed, session lost")
		w.dropped(job)
		return
	}
	select {
	case w.jobs <- job:
	default:
		w.log.WithFields(log.Fields{"session": job.Name, "records": len(job.Records)}).
			Error("flush queue full, session lost")
		w.dropped(job)
	}
}

func (w *writer) dropped(job *Job) {
	if w.obs != nil {
		w.obs.JobDropped(job.Name)
	}
}

func (w *writer) run() {
	defer close(w.done)
	for job := range w.jobs {
		w.write(job)
	}
	for _, s := range w.sinks {
		if err := s.Close(); err != nil {
			w.log.WithError(err).Warn("closing sink %s", s.Name())
		}
	}
}

func (w *writer) write(job *Job) {
	defer func() {
		if err := errors.RecoverPanic(recover()); err != nil {
			w.log.WithError(err).Error("writer recovered from panic")
		}
	}()

	start := time.Now()
	failed := false
	for _, s := range w.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), SinkTimeout)
		err := s.Write(ctx, job)
		cancel()
		if err != nil {
			failed = true
			err = errors.FlushError(job.Name, err).SetContext("sink", s.Name())
			w.log.WithError(err).WithField("sink", s.Name()).Error("session write failed")
			if w.obs != nil {
				w.obs.FlushFailed(s.Name(), err)
			}
		}
	}
	w.log.WithFields(log.Fields{
		"session": job.Name,
		"records": len(job.Records),
		"reason":  job.Reason,
		"failed":  failed,
	}).Info("session flushed")
	if w.obs != nil {
		w.obs.SessionFlushed(job, time.Since(start))
	}
}

func (w *writer) close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
