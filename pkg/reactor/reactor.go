// Package reactor is the host's control-loop event pump.
// Goroutines hand work to the pump with Post; the pump runs it, and any
// due timers, one at a time in FIFO order.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

var ErrReactorClosed = errors.New("reactor: reactor closed")

// TimerCallback is called when a timer fires. It returns the next wake
// time, or NEVER to idle the timer.
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer.
type Timer struct {
	id       uint64
	callback TimerCallback
	waketime float64
}

// Completion is a one-shot result slot.
type Completion struct {
	reactor *Reactor
	result  interface{}
	done    chan struct{}
	once    sync.Once
}

// Test reports whether the completion has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete sets the result. Only the first call has any effect.
func (c *Completion) Complete(result interface{}) bool {
	fired := false
	c.once.Do(func() {
		c.result = result
		close(c.done)
		fired = true
	})
	return fired
}

// Wait blocks until the completion is done or the timeout expires.
func (c *Completion) Wait(timeout time.Duration, timeoutResult interface{}) interface{} {
	res, ok := c.WaitContext(context.Background(), timeout)
	if !ok {
		return timeoutResult
	}
	return res
}

// WaitContext blocks until the completion is done, the timeout expires,
// ctx is cancelled or the reactor ends. ok is false unless completed.
func (c *Completion) WaitContext(ctx context.Context, timeout time.Duration) (interface{}, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return c.result, true
	case <-timer.C:
	case <-ctx.Done():
	case <-c.reactor.ctx.Done():
	}
	// a result that raced the timeout still wins
	select {
	case <-c.done:
		return c.result, true
	default:
		return nil, false
	}
}

// Reactor manages timers and posted callbacks.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64

	queue []func(eventtime float64)
	wake  chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	startTime time.Time
}

// New creates a new Reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Monotonic returns the time since the reactor was created, in seconds.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// Done is closed when the reactor ends.
func (r *Reactor) Done() <-chan struct{} {
	return r.ctx.Done()
}

func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RegisterTimer registers a timer firing at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	r.mu.Lock()
	r.nextTimerID++
	t := &Timer{id: r.nextTimerID, callback: callback, waketime: waketime}
	r.timers = append(r.timers, t)
	r.mu.Unlock()
	r.kick()
	return t
}

// UpdateTimer changes a timer's wake time.
func (r *Reactor) UpdateTimer(t *Timer, waketime float64) {
	r.mu.Lock()
	t.waketime = waketime
	r.mu.Unlock()
	r.kick()
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.timers {
		if cur.id == t.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
}

// Completion creates a new Completion.
func (r *Reactor) Completion() *Completion {
	return &Completion{reactor: r, done: make(chan struct{})}
}

// Post queues fn to run on the pump. Callbacks run in the order posted
// and never concurrently with each other or with timers. Post never
// blocks and never drops work; it fails only after End.
func (r *Reactor) Post(fn func(eventtime float64)) error {
	if r.ctx.Err() != nil {
		return ErrReactorClosed
	}
	r.mu.Lock()
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	r.kick()
	return nil
}

// RegisterAsyncCallback runs callback on the pump and returns a
// Completion holding its result.
func (r *Reactor) RegisterAsyncCallback(callback func(eventtime float64) interface{}) *Completion {
	c := r.Completion()
	if err := r.Post(func(eventtime float64) {
		c.Complete(callback(eventtime))
	}); err != nil {
		c.Complete(err)
	}
	return c
}

// Run starts the dispatch loop.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End stops the reactor. Work still queued is discarded.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait waits for the dispatch loop to exit.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		r.runQueued()
		delay := r.checkTimers(r.Monotonic())
		if delay > time.Second {
			delay = time.Second
		}
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-r.wake:
		case <-r.ctx.Done():
			t.Stop()
			return
		}
		t.Stop()
	}
}

func (r *Reactor) runQueued() {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()
	for _, fn := range batch {
		if !r.running.Load() {
			return
		}
		fn(r.Monotonic())
	}
}

// checkTimers fires due timers and returns the time to the next one.
func (r *Reactor) checkTimers(eventtime float64) time.Duration {
	r.mu.Lock()
	due := make([]*Timer, 0, len(r.timers))
	for _, t := range r.timers {
		if eventtime >= t.waketime {
			t.waketime = NEVER
			due = append(due, t)
		}
	}
	r.mu.Unlock()

	for _, t := range due {
		next := t.callback(eventtime)
		r.mu.Lock()
		if next < t.waketime {
			t.waketime = next
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) > 0 {
		return 0
	}
	nextWake := NEVER
	for _, t := range r.timers {
		if t.waketime < nextWake {
			nextWake = t.waketime
		}
	}
	delay := nextWake - r.Monotonic()
	if delay <= 0 {
		return 0
	}
	if delay > 3600 {
		return time.Hour
	}
	return time.Duration(delay * float64(time.Second))
}
