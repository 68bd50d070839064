// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package channel

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-analog-probe/pkg/errors"
	"klipper-analog-probe/pkg/mcu"
	"klipper-analog-probe/pkg/protocol"
	"klipper-analog-probe/pkg/reactor"
)

// fakeMCU decodes every payload the channel writes and can answer it.
type fakeMCU struct {
	t       *testing.T
	formats *protocol.Formats
	ch      *Channel

	mu      sync.Mutex
	written []*protocol.Message
	respond func(m *protocol.Message) *protocol.Message
	sendErr error
}

func (f *fakeMCU) Send(payload []byte) error {
	msgs, err := f.formats.DecodePayload(payload)
	if err != nil {
		f.t.Errorf("channel wrote undecodable payload %x: %v", payload, err)
		return nil
	}
	f.mu.Lock()
	f.written = append(f.written, msgs...)
	respond, sendErr := f.respond, f.sendErr
	f.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}
	if respond != nil {
		for _, m := range msgs {
			if r := respond(m); r != nil {
				f.ch.HandleMessage(&mcu.Message{Message: r, ReceiveTime: time.Now()})
			}
		}
	}
	return nil
}

func (f *fakeMCU) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.written {
		out = append(out, m.Name())
	}
	return out
}

func (f *fakeMCU) setResponder(r func(m *protocol.Message) *protocol.Message) {
	f.mu.Lock()
	f.respond = r
	f.mu.Unlock()
}

// reply builds an inbound message as the firmware would encode it.
func (f *fakeMCU) reply(name string, args ...int32) *protocol.Message {
	f.t.Helper()
	payload, err := f.formats.Responses[name].Encode(args)
	require.NoError(f.t, err)
	msgs, err := f.formats.DecodePayload(payload)
	require.NoError(f.t, err)
	return msgs[0]
}

func (f *fakeMCU) inject(m *protocol.Message) {
	f.ch.HandleMessage(&mcu.Message{Message: m, ReceiveTime: time.Now()})
}

type countingObserver struct {
	mu       sync.Mutex
	sent     int
	outcomes []string
	dropped  int
}

func (o *countingObserver) CommandSent(string) {
	o.mu.Lock()
	o.sent++
	o.mu.Unlock()
}

func (o *countingObserver) QueryDone(_ string, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *countingObserver) EventDropped(string) {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func (o *countingObserver) droppedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

var testProbeConfig = ProbeConfig{
	Pin: "PA1", PullUp: true, TriggerSup: true, TriggerInf: true,
	Threshold: 0.5, AutoThreshold: true, StdMultiplier: 3,
	TareBufferLen: 100, CurrentBufferLen: 5,
}

func newTestChannel(t *testing.T, descs []*protocol.CommandDescriptor) (*Channel, *fakeMCU, *countingObserver) {
	t.Helper()
	dict := protocol.BuildDictionary(descs, 20, []string{"PA0", "PA1"}, 1e6)
	formats, err := dict.BuildFormats()
	require.NoError(t, err)

	r := reactor.New()
	r.Run()
	fake := &fakeMCU{t: t, formats: formats}
	obs := &countingObserver{}
	ch := New(fake, dict, formats, r, Options{QueryTimeout: 50 * time.Millisecond, Observer: obs})
	fake.ch = ch
	t.Cleanup(func() {
		ch.Close()
		r.End()
		r.Wait()
	})
	return ch, fake, obs
}

func configuredProbe(t *testing.T) (*ProbeChannel, *fakeMCU, *countingObserver) {
	t.Helper()
	ch, fake, obs := newTestChannel(t, protocol.ProbeDescriptors())
	pc := NewProbeChannel(ch, 1, testProbeConfig)
	require.NoError(t, pc.Configure(context.Background()))
	return pc, fake, obs
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func TestSendBeforeConfigure(t *testing.T) {
	ch, _, _ := newTestChannel(t, protocol.ProbeDescriptors())
	pc := NewProbeChannel(ch, 1, testProbeConfig)

	err := pc.StopLog()
	assert.True(t, stderrors.Is(err, errors.NotConfigured), "StopLog() = %v", err)

	_, err = pc.DoTare(context.Background())
	assert.True(t, stderrors.Is(err, errors.NotConfigured), "DoTare() = %v", err)
}

func TestConfigureSendsConfigOnce(t *testing.T) {
	ch, fake, _ := newTestChannel(t, protocol.ProbeDescriptors())
	pc := NewProbeChannel(ch, 1, testProbeConfig)
	// registering the same probe again must not duplicate commands
	NewProbeChannel(ch, 1, testProbeConfig)

	require.NoError(t, pc.Configure(context.Background()))
	waitFor(t, func() bool { return len(fake.names()) == 1 })
	assert.Equal(t, []string{"config_analog_probe"}, fake.names())
}

func TestAttachSendsRestartCommandsOnly(t *testing.T) {
	ch, fake, _ := newTestChannel(t, protocol.ProbeDescriptors())
	pc := NewProbeChannel(ch, 1, testProbeConfig)

	require.NoError(t, pc.Attach(context.Background()))
	waitFor(t, func() bool { return len(fake.names()) == 1 })
	assert.Equal(t, []string{"analog_probe_home"}, fake.names())
	assert.True(t, ch.Configured())

	fake.mu.Lock()
	home := fake.written[0]
	fake.mu.Unlock()
	count, _ := home.Arg("sample_count")
	assert.Equal(t, int32(0), count)
}

func TestConfigureFailsOnMissingMessage(t *testing.T) {
	var descs []*protocol.CommandDescriptor
	for _, d := range protocol.ProbeDescriptors() {
		if d != protocol.AnalogProbeStopLog {
			descs = append(descs, d)
		}
	}
	ch, fake, _ := newTestChannel(t, descs)
	pc := NewProbeChannel(ch, 1, testProbeConfig)

	err := pc.Configure(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProtocol))
	assert.False(t, ch.Configured())
	assert.Empty(t, fake.names())
}

func TestConfigureRejectsBadConfigValue(t *testing.T) {
	ch, _, _ := newTestChannel(t, protocol.ProbeDescriptors())
	cfg := testProbeConfig
	cfg.Pin = "PZ9"
	pc := NewProbeChannel(ch, 1, cfg)

	err := pc.Configure(context.Background())
	assert.True(t, errors.Is(err, errors.ErrProtocol), "Configure() = %v", err)
}

func TestSendPreservesOrder(t *testing.T) {
	pc, fake, _ := configuredProbe(t)
	waitFor(t, func() bool { return len(fake.names()) == 1 })

	for i := 1; i <= 20; i++ {
		require.NoError(t, pc.UpdateBuffer(uint32(i), 5))
	}
	waitFor(t, func() bool { return len(fake.names()) == 21 })

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for i, m := range fake.written[1:] {
		got, _ := m.Arg("tare_buf_len")
		assert.Equal(t, int32(i+1), got, "message %d out of order", i)
	}
}

func TestSendRejectsOutOfRange(t *testing.T) {
	pc, _, _ := configuredProbe(t)
	err := pc.SetThreshold(-1, false, 3)
	assert.True(t, errors.Is(err, errors.ErrProtocol), "SetThreshold(-1) = %v", err)
}

func TestDoTareDecodesFixedPoint(t *testing.T) {
	pc, fake, obs := configuredProbe(t)
	fake.setResponder(func(m *protocol.Message) *protocol.Message {
		if m.Name() == "analog_probe_do_tare" {
			return fake.reply("analog_probe_tare_state", 1, 120, 45, 1, 300)
		}
		return nil
	})

	ts, err := pc.DoTare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OID(1), ts.OID)
	assert.InDelta(t, 0.120, ts.Tare, 1e-9)
	assert.InDelta(t, 0.045, ts.Threshold, 1e-9)
	assert.True(t, ts.AutoThreshold)
	assert.InDelta(t, 3.00, ts.StdMultiplier, 1e-9)
	obs.mu.Lock()
	assert.Equal(t, []string{OutcomeOK}, obs.outcomes)
	obs.mu.Unlock()
}

func TestQueryIgnoresOtherOID(t *testing.T) {
	pc, fake, _ := configuredProbe(t)
	fake.setResponder(func(m *protocol.Message) *protocol.Message {
		if m.Name() == "analog_probe_query_state" {
			return fake.reply("endstop_state", 2, 1, 0, 1)
		}
		return nil
	})

	_, err := pc.QueryState(context.Background())
	assert.True(t, errors.Is(err, errors.ErrTimeout), "QueryState() = %v", err)
}

func TestQueryTimeoutLeavesChannelUsable(t *testing.T) {
	pc, fake, obs := configuredProbe(t)

	start := time.Now()
	_, err := pc.QueryState(context.Background())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.Timeout), "QueryState() = %v", err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// the late reply to the first query finds no waiter
	fake.inject(fake.reply("endstop_state", 1, 1, 77, 1))
	waitFor(t, func() bool { return obs.droppedCount() == 1 })

	fake.setResponder(func(m *protocol.Message) *protocol.Message {
		if m.Name() == "analog_probe_query_state" {
			return fake.reply("endstop_state", 1, 0, 1234, 0)
		}
		return nil
	})
	st, err := pc.QueryState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), st.NextClock)
	assert.False(t, st.Homing)
}

func TestQueryContextCancel(t *testing.T) {
	pc, _, _ := configuredProbe(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pc.DoTare(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQuerySendFailure(t *testing.T) {
	pc, fake, _ := configuredProbe(t)
	fake.mu.Lock()
	fake.sendErr = stderrors.New("port gone")
	fake.mu.Unlock()

	_, err := pc.DoTare(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port gone")
}

func TestSubscriptionRoutesByOIDAndKind(t *testing.T) {
	pc, fake, obs := configuredProbe(t)

	var mu sync.Mutex
	var samples []LogSample
	var active []bool
	pc.OnLog(func(s LogSample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	})
	pc.OnActivity(func(a Activity) {
		mu.Lock()
		active = append(active, a.Active)
		mu.Unlock()
	})

	for i := int32(0); i < 5; i++ {
		fake.inject(fake.reply("analog_probe_log", 1, 1000+i, -5, 121, 120, 45, 0, 1, 300, 100, 5, 0))
	}
	fake.inject(fake.reply("analog_probe_log", 2, 9, 0, 0, 0, 0, 0, 0, 0, 1, 1, 0))
	fake.inject(fake.reply("analog_probe_active", 1, 1))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(samples) == 5 && len(active) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	for i, s := range samples {
		assert.Equal(t, uint32(1000+i), s.Timestamp)
		assert.Equal(t, int32(-5), s.Raw)
		assert.InDelta(t, 0.121, s.Current, 1e-9)
	}
	assert.Equal(t, []bool{true}, active)
	assert.Equal(t, 1, obs.droppedCount())
}

func TestMalformedEventDropped(t *testing.T) {
	pc, fake, obs := configuredProbe(t)
	called := make(chan struct{}, 1)
	pc.OnActivity(func(Activity) { called <- struct{}{} })

	// active is a bool field; 2 is not a valid encoding
	fake.inject(fake.reply("analog_probe_active", 1, 2))
	waitFor(t, func() bool { return obs.droppedCount() == 1 })
	select {
	case <-called:
		t.Fatalf("handler called for malformed event")
	default:
	}
}

func TestGetClock(t *testing.T) {
	pc, fake, _ := configuredProbe(t)
	fake.setResponder(func(m *protocol.Message) *protocol.Message {
		if m.Name() == "get_clock" {
			return fake.reply("clock", 5000)
		}
		return nil
	})
	rep, err := pc.Channel().GetClock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(5000), rep.Clock)
	assert.False(t, rep.Received.IsZero())
}

func TestSendAfterClose(t *testing.T) {
	pc, _, _ := configuredProbe(t)
	pc.Channel().Close()
	assert.True(t, stderrors.Is(pc.StopLog(), errors.Closed))
}
