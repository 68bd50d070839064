// Package channel delivers commands to one MCU in order and correlates
// its responses.
//
// Outgoing commands go through a single ordered queue drained by a sender
// goroutine. Inbound messages are routed by MCU message id to a typed
// Event and then by (oid, kind) either to the query waiting for it or to
// the subscribed handler, which runs on the reactor.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package channel

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"klipper-analog-probe/pkg/errors"
	"klipper-analog-probe/pkg/log"
	"klipper-analog-probe/pkg/mcu"
	"klipper-analog-probe/pkg/protocol"
	"klipper-analog-probe/pkg/reactor"
)

// OID identifies an MCU-side object.
type OID uint8

// noOID keys messages that carry no oid, such as clock.
const noOID = -1

const (
	DefaultQueryTimeout = time.Second
	DefaultQueueSize    = 64
)

// Transport writes one encoded payload to the MCU. *mcu.Link implements it.
type Transport interface {
	Send(payload []byte) error
}

// Observer is told about channel traffic. Implementations must not block.
type Observer interface {
	CommandSent(name string)
	QueryDone(name string, outcome string, elapsed time.Duration)
	EventDropped(kind string)
}

// Query outcomes reported to the Observer.
const (
	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Handler receives subscribed events on the reactor. It must not block.
type Handler func(ev Event)

// Options tunes a Channel.
type Options struct {
	QueryTimeout time.Duration
	QueueSize    int
	Observer     Observer
}

type key struct {
	oid  int
	kind MessageKind
}

type route struct {
	bound  *protocol.Bound
	kind   MessageKind
	decode eventDecoder
}

type configCmd struct {
	desc      *protocol.CommandDescriptor
	args      []interface{}
	onRestart bool
}

type outbound struct {
	name    string
	payload []byte
	waitKey key
	waiter  *reactor.Completion
}

// Channel is the command channel for one MCU.
type Channel struct {
	transport Transport
	dict      *protocol.Dictionary
	formats   *protocol.Formats
	reactor   *reactor.Reactor
	opts      Options
	log       *log.Logger

	mu         sync.Mutex
	configured bool
	bound      map[*protocol.CommandDescriptor]*protocol.Bound
	routes     map[int]route // by MCU message id
	configCmds []configCmd
	subs       map[key]Handler
	pending    map[key]*reactor.Completion
	slots      map[key]chan struct{}

	queue  chan outbound
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a channel writing to t. Inbound messages must be fed to
// HandleMessage. Nothing can be sent until Configure succeeds.
func New(t Transport, dict *protocol.Dictionary, formats *protocol.Formats, r *reactor.Reactor, opts Options) *Channel {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		transport: t,
		dict:      dict,
		formats:   formats,
		reactor:   r,
		opts:      opts,
		log:       log.GetLogger("channel"),
		bound:     make(map[*protocol.CommandDescriptor]*protocol.Bound),
		routes:    make(map[int]route),
		subs:      make(map[key]Handler),
		pending:   make(map[key]*reactor.Completion),
		slots:     make(map[key]chan struct{}),
		queue:     make(chan outbound, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.wg.Add(1)
	go c.senderLoop()
	return c
}

// AddConfigCmd registers a command sent by Configure, or by Attach when
// onRestart is set. Registering the same command twice has
// no effect.
func (c *Channel) AddConfigCmd(desc *protocol.CommandDescriptor, onRestart bool, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cc := range c.configCmds {
		if cc.desc == desc && cc.onRestart == onRestart && reflect.DeepEqual(cc.args, args) {
			return
		}
	}
	c.configCmds = append(c.configCmds, configCmd{desc: desc, args: args, onRestart: onRestart})
}

// Resolve binds desc against the MCU dictionary. Resolution happens once
// per descriptor; every ProbeChannel descriptor is resolved by Configure.
func (c *Channel) Resolve(desc *protocol.CommandDescriptor) (*protocol.Bound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(desc)
}

func (c *Channel) resolveLocked(desc *protocol.CommandDescriptor) (*protocol.Bound, error) {
	if b, ok := c.bound[desc]; ok {
		return b, nil
	}
	b, err := desc.Resolve(c.dict, c.formats)
	if err != nil {
		return nil, err
	}
	c.bound[desc] = b
	return b, nil
}

// setup resolves every descriptor and event route, then encodes the
// selected config commands. Any failure is a ProtocolError and leaves the
// channel unconfigured.
func (c *Channel) setup(descs []*protocol.CommandDescriptor, restart bool) ([]outbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range descs {
		if _, err := c.resolveLocked(d); err != nil {
			return nil, err
		}
	}
	for _, s := range eventSpecs {
		b, err := c.resolveLocked(s.desc)
		if err != nil {
			return nil, err
		}
		c.routes[b.Format.ID] = route{bound: b, kind: s.kind, decode: s.decode}
	}

	var out []outbound
	for _, cc := range c.configCmds {
		if cc.onRestart != restart {
			continue
		}
		b, err := c.resolveLocked(cc.desc)
		if err != nil {
			return nil, err
		}
		payload, err := b.Encode(cc.args...)
		if err != nil {
			return nil, err
		}
		out = append(out, outbound{name: b.Name(), payload: payload})
	}
	c.configured = true
	return out, nil
}

// Configure resolves descs and every event descriptor against the
// dictionary, sends the config commands in registration order and marks
// the channel configured.
func (c *Channel) Configure(ctx context.Context, descs ...*protocol.CommandDescriptor) error {
	cmds, err := c.setup(descs, false)
	if err != nil {
		return err
	}
	c.log.WithField("commands", len(cmds)).Info("sending MCU configuration")
	return c.enqueueAll(ctx, cmds)
}

// Attach is Configure for an MCU that already holds our configuration,
// for example after a host restart. Only the on-restart commands are sent.
func (c *Channel) Attach(ctx context.Context, descs ...*protocol.CommandDescriptor) error {
	cmds, err := c.setup(descs, true)
	if err != nil {
		return err
	}
	c.log.WithField("commands", len(cmds)).Info("attaching to configured MCU")
	return c.enqueueAll(ctx, cmds)
}

// Configured reports whether setup completed.
func (c *Channel) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configured
}

func (c *Channel) enqueueAll(ctx context.Context, cmds []outbound) error {
	for _, cmd := range cmds {
		if err := c.enqueue(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) encode(op string, desc *protocol.CommandDescriptor, args []interface{}) ([]byte, error) {
	c.mu.Lock()
	configured := c.configured
	b, ok := c.bound[desc]
	c.mu.Unlock()
	if !configured {
		return nil, errors.NotConfiguredError(op + " " + desc.Name)
	}
	if !ok {
		// Not listed at Configure: still resolved, but only once.
		var err error
		if b, err = c.Resolve(desc); err != nil {
			return nil, err
		}
	}
	return b.Encode(args...)
}

func (c *Channel) enqueue(ctx context.Context, cmd outbound) error {
	if c.closed.Load() {
		return errors.Closed
	}
	select {
	case c.queue <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errors.Closed
	}
}

// Send encodes cmd and queues it without waiting for the MCU.
func (c *Channel) Send(cmd *protocol.CommandDescriptor, args ...interface{}) error {
	payload, err := c.encode("send", cmd, args)
	if err != nil {
		return err
	}
	return c.enqueue(context.Background(), outbound{name: cmd.Name, payload: payload})
}

// Query sends cmd and waits for the resp message carrying the same oid.
// The oid is taken from the first argument; commands without arguments
// match responses without an oid. Only one query per (oid, resp) is in
// flight; later callers wait their turn.
func (c *Channel) Query(ctx context.Context, cmd, resp *protocol.CommandDescriptor, args ...interface{}) (Event, error) {
	payload, err := c.encode("query", cmd, args)
	if err != nil {
		return nil, err
	}
	k, err := c.queryKey(resp, args)
	if err != nil {
		return nil, err
	}

	slot := c.slot(k)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, errors.Closed
	}
	defer func() { <-slot }()

	start := time.Now()
	waiter := c.reactor.Completion()
	err = c.enqueue(ctx, outbound{name: cmd.Name, payload: payload, waitKey: k, waiter: waiter})
	if err != nil {
		return nil, err
	}

	res, ok := waiter.WaitContext(ctx, c.opts.QueryTimeout)

	// clear the slot; anything arriving later finds no waiter
	c.mu.Lock()
	if c.pending[k] == waiter {
		delete(c.pending, k)
	}
	c.mu.Unlock()

	if ok {
		if sendErr, failed := res.(error); failed {
			c.observeQuery(cmd.Name, sendErr, start)
			return nil, sendErr
		}
	} else {
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case c.ctx.Err() != nil:
			err = errors.Closed
		default:
			err = errors.TimeoutError(cmd.Name, c.opts.QueryTimeout)
		}
		c.observeQuery(cmd.Name, err, start)
		return nil, err
	}
	c.observeQuery(cmd.Name, nil, start)
	return res.(Event), nil
}

func (c *Channel) observeQuery(name string, err error, start time.Time) {
	if c.opts.Observer == nil {
		return
	}
	outcome := OutcomeOK
	if errors.Is(err, errors.ErrTimeout) {
		outcome = OutcomeTimeout
	} else if err != nil {
		outcome = OutcomeError
	}
	c.opts.Observer.QueryDone(name, outcome, time.Since(start))
}

func (c *Channel) queryKey(resp *protocol.CommandDescriptor, args []interface{}) (key, error) {
	s, ok := kindOf(resp)
	if !ok {
		return key{}, errors.ProtocolError(resp.Name, "not a known response")
	}
	if len(args) == 0 {
		return key{oid: noOID, kind: s}, nil
	}
	oid, ok := args[0].(uint8)
	if !ok {
		return key{}, errors.ProtocolError("oid", "want uint8, got %T", args[0])
	}
	return key{oid: int(oid), kind: s}, nil
}

func kindOf(desc *protocol.CommandDescriptor) (MessageKind, bool) {
	for _, s := range eventSpecs {
		if s.desc == desc {
			return s.kind, true
		}
	}
	return 0, false
}

func (c *Channel) slot(k key) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[k]
	if !ok {
		s = make(chan struct{}, 1)
		c.slots[k] = s
	}
	return s
}

// Subscribe routes unsolicited kind events for oid to h. A second
// Subscribe for the same key replaces the handler.
func (c *Channel) Subscribe(oid OID, kind MessageKind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[key{oid: int(oid), kind: kind}] = h
}

// SubscribeGlobal is Subscribe for messages without an oid.
func (c *Channel) SubscribeGlobal(kind MessageKind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[key{oid: noOID, kind: kind}] = h
}

// HandleMessage routes one inbound message. It is the mcu.Link message
// handler and never blocks.
func (c *Channel) HandleMessage(m *mcu.Message) {
	c.mu.Lock()
	r, ok := c.routes[m.Format.ID]
	c.mu.Unlock()
	if !ok {
		c.log.WithField("message", m.Name()).Debug("no route")
		return
	}
	fields, err := r.bound.Decode(m.Message)
	if err != nil {
		c.log.WithError(err).Warn("dropping malformed %s", m.Name())
		c.dropped(r.kind)
		return
	}
	ev := r.decode(fields, m.ReceiveTime)
	k := key{oid: m.OID(), kind: r.kind}

	c.mu.Lock()
	if w, ok := c.pending[k]; ok {
		delete(c.pending, k)
		c.mu.Unlock()
		w.Complete(ev)
		return
	}
	h := c.subs[k]
	c.mu.Unlock()

	if h == nil {
		c.log.WithFields(log.Fields{"kind": r.kind, "oid": k.oid}).Debug("no waiter or subscriber, dropped")
		c.dropped(r.kind)
		return
	}
	if err := c.reactor.Post(func(float64) { h(ev) }); err != nil {
		c.dropped(r.kind)
	}
}

func (c *Channel) dropped(kind MessageKind) {
	if c.opts.Observer != nil {
		c.opts.Observer.EventDropped(kind.String())
	}
}

func (c *Channel) senderLoop() {
	defer c.wg.Done()
	for {
		select {
		case cmd := <-c.queue:
			c.write(cmd)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Channel) write(cmd outbound) {
	// a query becomes pending only once its command is on the wire
	if cmd.waiter != nil {
		c.mu.Lock()
		c.pending[cmd.waitKey] = cmd.waiter
		c.mu.Unlock()
	}
	err := c.transport.Send(cmd.payload)
	if err != nil {
		c.log.WithError(err).Error("send %s failed", cmd.name)
		if cmd.waiter != nil {
			c.mu.Lock()
			if c.pending[cmd.waitKey] == cmd.waiter {
				delete(c.pending, cmd.waitKey)
			}
			c.mu.Unlock()
			cmd.waiter.Complete(err)
		}
		return
	}
	if c.opts.Observer != nil {
		c.opts.Observer.CommandSent(cmd.name)
	}
}

// Close stops the sender. Queued commands that were not written are
// discarded.
func (c *Channel) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()
	c.wg.Wait()
}
