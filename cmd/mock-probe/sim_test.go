package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-analog-probe/pkg/protocol"
)

type sent struct {
	name string
	args []int32
}

type simHarness struct {
	sim     *Sim
	formats *protocol.Formats
	out     []sent
}

func newSimHarness(t *testing.T, sig frontEnd) *simHarness {
	t.Helper()
	formats, err := protocol.DefaultDictionary().BuildFormats()
	require.NoError(t, err)
	h := &simHarness{formats: formats}
	h.sim = NewSim(protocol.DefaultClockFreq, sig, func(name string, args ...int32) {
		h.out = append(h.out, sent{name, append([]int32(nil), args...)})
	})
	return h
}

func (h *simHarness) send(t *testing.T, name string, args ...int32) {
	t.Helper()
	f, ok := h.formats.Commands[name]
	require.True(t, ok, name)
	require.Len(t, args, len(f.Params), name)
	h.sim.Handle(&protocol.Message{Format: f, Args: args})
}

func (h *simHarness) last(t *testing.T, name string) []int32 {
	t.Helper()
	for i := len(h.out) - 1; i >= 0; i-- {
		if h.out[i].name == name {
			return h.out[i].args
		}
	}
	t.Fatalf("no %s reply in %v", name, h.out)
	return nil
}

// configure sets up oid 0 with upward triggering and the given mode.
func (h *simHarness) configure(t *testing.T, thMilli int32, auto bool, mulCenti int32, tareLen, curLen int32) {
	h.send(t, "config_analog_probe", 0, 0, 0, 1, 0, thMilli, flag32(auto), mulCenti, tareLen, curLen)
}

func TestSimGetClock(t *testing.T) {
	h := newSimHarness(t, frontEnd{})
	h.send(t, "get_clock")
	require.Len(t, h.out, 1)
	assert.Equal(t, "clock", h.out[0].name)
}

func TestSimCommandForUnknownOIDIsIgnored(t *testing.T) {
	h := newSimHarness(t, frontEnd{})
	h.send(t, "analog_probe_do_tare", 3)
	assert.Empty(t, h.out)
}

func TestSimAutomaticTare(t *testing.T) {
	h := newSimHarness(t, frontEnd{})
	h.configure(t, 500, true, 300, 4, 1)
	p := h.sim.probes[0]
	for _, v := range []float64{9, 1, 1, 3, 3} {
		p.push(v)
	}

	h.send(t, "analog_probe_do_tare", 0)
	// Window of 4: mean 2, population std 1.
	assert.Equal(t, []int32{0, 2000, 3000, 1, 300}, h.last(t, "analog_probe_tare_state"))
}

func TestSimManualThresholdKeepsValue(t *testing.T) {
	h := newSimHarness(t, frontEnd{})
	h.configure(t, 500, true, 300, 4, 1)
	for _, v := range []float64{1, 1, 3, 3} {
		h.sim.probes[0].push(v)
	}

	h.send(t, "analog_probe_set_thresh", 0, 45, 0, 300)
	h.send(t, "analog_probe_do_tare", 0)
	assert.Equal(t, []int32{0, 2000, 45, 0, 300}, h.last(t, "analog_probe_tare_state"))
}

func TestSimUpdateBuffer(t *testing.T) {
	h := newSimHarness(t, frontEnd{})
	h.configure(t, 500, false, 300, 100, 5)
	h.send(t, "analog_probe_update_buffer", 0, 20, 2)
	assert.Equal(t, 20, h.sim.probes[0].tareLen)
	assert.Equal(t, 2, h.sim.probes[0].curLen)
}

func TestSimInitSamplingReportsActiveOnce(t *testing.T) {
	h := newSimHarness(t, frontEnd{})
	h.configure(t, 500, false, 300, 100, 5)
	h.send(t, "analog_probe_init_sampling", 0, 0, 1000)
	h.send(t, "analog_probe_init_sampling", 0, 0, 500)

	var active int
	for _, s := range h.out {
		if s.name == "analog_probe_active" {
			active++
			assert.Equal(t, []int32{0, 1}, s.args)
		}
	}
	assert.Equal(t, 1, active)
	assert.Equal(t, uint32(500), h.sim.probes[0].rest)
}

func TestSimLogSessionEndsWithFinished(t *testing.T) {
	h := newSimHarness(t, frontEnd{Base: 2.0})
	h.configure(t, 100, false, 300, 100, 1)
	h.send(t, "analog_probe_init_sampling", 0, 0, 1000)
	h.send(t, "analog_probe_start_log", 0, 3000)
	h.out = nil

	p := h.sim.probes[0]
	for i := 0; i < 5; i++ {
		h.sim.sample(p, uint32(1000*i), 0)
	}

	require.Len(t, h.out, 3)
	for i, s := range h.out {
		assert.Equal(t, "analog_probe_log", s.name)
		assert.Equal(t, int32(1000*i), s.args[1])
		assert.Equal(t, int32(2000), s.args[2], "raw")
		assert.Equal(t, int32(2000), s.args[3], "current")
		assert.Equal(t, int32(100), s.args[5], "trig_th")
		assert.Equal(t, int32(1), s.args[6], "triggered")
		assert.Equal(t, flag32(i == 2), s.args[11], "finished")
	}
}

func TestSimStopLogEndsStream(t *testing.T) {
	h := newSimHarness(t, frontEnd{Base: 1.0})
	h.configure(t, 100, false, 300, 100, 1)
	h.send(t, "analog_probe_init_sampling", 0, 0, 1000)
	h.send(t, "analog_probe_start_log", 0, 100000)
	p := h.sim.probes[0]
	h.sim.sample(p, 0, 0)
	h.send(t, "analog_probe_stop_log", 0)
	h.sim.sample(p, 1000, 0)

	var logs int
	for _, s := range h.out {
		if s.name == "analog_probe_log" {
			logs++
		}
	}
	assert.Equal(t, 1, logs)
}

func TestSimQueryStateAfterHomingHit(t *testing.T) {
	h := newSimHarness(t, frontEnd{Base: 3.0})
	h.configure(t, 500, false, 300, 100, 1)
	h.send(t, "analog_probe_home", 0, 0, 1000, 4, 1000, 1, 0, 0)
	h.send(t, "analog_probe_query_state", 0)
	assert.Equal(t, int32(1), h.last(t, "endstop_state")[1], "homing")

	p := h.sim.probes[0]
	h.sim.sample(p, 0, 0)
	assert.True(t, p.hit)

	h.send(t, "analog_probe_query_state", 0)
	st := h.last(t, "endstop_state")
	assert.Equal(t, int32(0), st[1], "homing")
	assert.Equal(t, int32(1), st[3], "pin_value")
}

func TestFrontEndContactWindow(t *testing.T) {
	h := newSimHarness(t, frontEnd{})
	sig := frontEnd{Base: 1, Press: 0.5, Period: 10}
	assert.Equal(t, 1.0, sig.read(1, h.sim.rng))
	assert.Equal(t, 1.5, sig.read(9.5, h.sim.rng))
	assert.Equal(t, 0.0, frontEnd{Base: -1}.read(0, h.sim.rng))
}
