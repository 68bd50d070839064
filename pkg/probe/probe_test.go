// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package probe

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-analog-probe/pkg/calibration"
	"klipper-analog-probe/pkg/channel"
	"klipper-analog-probe/pkg/errors"
)

// rig records every action the probe takes, in order.
type rig struct {
	actions []string
	pos     []float64
	moveOn  string // script that moves the toolhead
	homes   []channel.HomeArgs
	tareErr error
	pin     bool
	states  []MultiState
}

func (r *rig) Position() ([]float64, error) {
	return append([]float64(nil), r.pos...), nil
}

func (r *rig) RunScript(_ context.Context, script string) error {
	r.actions = append(r.actions, script)
	if script == r.moveOn {
		r.pos[2] += 1
	}
	return nil
}

func (r *rig) Tare(context.Context) (calibration.State, error) {
	r.actions = append(r.actions, "tare")
	return calibration.State{}, r.tareErr
}

func (r *rig) Home(a channel.HomeArgs) error {
	r.actions = append(r.actions, "home")
	r.homes = append(r.homes, a)
	return nil
}

func (r *rig) QueryState(context.Context) (channel.EndstopState, error) {
	return channel.EndstopState{PinValue: r.pin}, nil
}

func (r *rig) PrintTimeToClock(pt float64) uint32 { return uint32(pt * 1000) }
func (r *rig) SecondsToTicks(s float64) uint32    { return uint32(s * 1000) }

func (r *rig) StateChanged(s MultiState)   { r.states = append(r.states, s) }
func (r *rig) ActivationFailed(string)     {}

func newProbe(stow bool) (*Probe, *rig) {
	r := &rig{pos: []float64{10, 20, 5}}
	cfg := Config{StowOnEachSample: stow, ActivateScript: "lower", DeactivateScript: "raise", ZOffset: 0.4}
	return New(cfg, r, r, r, r, r, r), r
}

func TestPrepareFinishSingleSample(t *testing.T) {
	for _, stow := range []bool{true, false} {
		p, r := newProbe(stow)
		ctx := context.Background()
		require.NoError(t, p.ProbePrepare(ctx))
		require.NoError(t, p.ProbeFinish(ctx))
		if got := r.actions; len(got) != 2 || got[0] != "lower" || got[1] != "raise" {
			t.Errorf("stow=%v: actions = %v, want [lower raise]", stow, got)
		}
		if p.State() != Off {
			t.Errorf("stow=%v: State() = %v, want %v", stow, p.State(), Off)
		}
	}
}

func TestMultiSampleKeepsProbeEngaged(t *testing.T) {
	p, r := newProbe(false)
	ctx := context.Background()

	p.MultiProbeBegin()
	assert.Equal(t, First, p.State())
	require.NoError(t, p.ProbePrepare(ctx))
	assert.Equal(t, On, p.State())
	require.NoError(t, p.ProbePrepare(ctx))
	require.NoError(t, p.ProbeFinish(ctx))
	require.NoError(t, p.ProbeFinish(ctx))
	assert.Equal(t, []string{"lower"}, r.actions, "no raise before MultiProbeEnd")
	require.NoError(t, p.MultiProbeEnd(ctx))

	assert.Equal(t, []string{"lower", "raise"}, r.actions)
	assert.Equal(t, Off, p.State())
	assert.Equal(t, []MultiState{First, On, Off}, r.states)
}

func TestMultiSampleWithStowOnEachSample(t *testing.T) {
	p, r := newProbe(true)
	ctx := context.Background()

	p.MultiProbeBegin()
	assert.Equal(t, Off, p.State())
	for i := 0; i < 2; i++ {
		require.NoError(t, p.ProbePrepare(ctx))
		require.NoError(t, p.ProbeFinish(ctx))
	}
	require.NoError(t, p.MultiProbeEnd(ctx))
	assert.Equal(t, []string{"lower", "raise", "lower", "raise"}, r.actions)
}

func TestActivationMovingToolheadFails(t *testing.T) {
	p, r := newProbe(false)
	r.moveOn = "lower"
	ctx := context.Background()

	p.MultiProbeBegin()
	err := p.ProbePrepare(ctx)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.Activation))
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, Off, p.State())

	err = p.HomeStart(ctx, HomeRequest{PrintTime: 1})
	assert.True(t, errors.Is(err, errors.ErrActivation), "HomeStart() = %v", err)
	assert.Empty(t, r.homes, "homing must not start after a failed activation")
	assert.NotContains(t, r.actions, "tare")
}

func TestRaiseMovingToolheadFails(t *testing.T) {
	p, r := newProbe(true)
	r.moveOn = "raise"
	ctx := context.Background()

	require.NoError(t, p.ProbePrepare(ctx))
	err := p.ProbeFinish(ctx)
	assert.True(t, errors.Is(err, errors.ErrActivation))
}

func TestSuccessfulPrepareClearsFailure(t *testing.T) {
	p, r := newProbe(true)
	r.moveOn = "lower"
	ctx := context.Background()
	require.Error(t, p.ProbePrepare(ctx))

	r.moveOn = ""
	require.NoError(t, p.ProbePrepare(ctx))
	require.NoError(t, p.HomeStart(ctx, HomeRequest{PrintTime: 1}))
	assert.Len(t, r.homes, 1)
}

func TestHomeStartTaresThenArms(t *testing.T) {
	p, r := newProbe(true)
	req := HomeRequest{
		PrintTime: 2.0, SampleTime: 0.25, SampleCount: 4, RestTime: 0.5,
		Triggered: true, TrsyncOID: 7, TriggerReason: 3,
	}
	require.NoError(t, p.HomeStart(context.Background(), req))

	assert.Equal(t, []string{"tare", "home"}, r.actions)
	assert.Equal(t, channel.HomeArgs{
		Clock: 2000, SampleTicks: 250, SampleCount: 4, RestTicks: 500,
		PinValue: true, TrsyncOID: 7, TriggerReason: 3,
	}, r.homes[0])
}

func TestHomeStartTareFailureDoesNotArm(t *testing.T) {
	p, r := newProbe(true)
	r.tareErr = errors.TimeoutError("analog_probe_do_tare", "1s")
	err := p.HomeStart(context.Background(), HomeRequest{PrintTime: 1})
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.Empty(t, r.homes)
}

func TestHomeStopAndQuery(t *testing.T) {
	p, r := newProbe(true)
	require.NoError(t, p.HomeStop())
	assert.Equal(t, uint8(0), r.homes[0].SampleCount)

	r.pin = true
	triggered, err := p.QueryEndstop(context.Background())
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, 0.4, p.ZOffset())
}
