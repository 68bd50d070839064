package gcode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-analog-probe/pkg/errors"
)

func TestParse(t *testing.T) {
	cmd, err := Parse(`start_logging timestep=0.002 FILENAME="first run.csv" ; comment`)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, "START_LOGGING", cmd.Name)
	assert.Equal(t, "0.002", cmd.Args["TIMESTEP"])
	assert.Equal(t, "first run.csv", cmd.Args["FILENAME"])

	cmd, err = Parse("G1 Z5 (lift) F600")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Z": "5", "F": "600"}, cmd.Args)

	for _, blank := range []string{"", "   ", "; only a comment", "(note)"} {
		cmd, err := Parse(blank)
		assert.NoError(t, err)
		assert.Nil(t, cmd, "Parse(%q)", blank)
	}

	_, err = Parse(`START_LOGGING FILENAME="unterminated`)
	assert.True(t, errors.Is(err, errors.ErrCommandParam))

	_, err = Parse("UPDATE_THRESHOLD =1")
	assert.True(t, errors.Is(err, errors.ErrCommandParam))

	_, err = Parse(`G1 ""`)
	assert.True(t, errors.Is(err, errors.ErrCommandParam), "empty quoted word")
}

func TestRunReportsMalformedLine(t *testing.T) {
	d := NewDispatcher(nil)
	for _, line := range []string{`HELP ""`, `G1 Z5 ""`} {
		var err error
		assert.NotPanics(t, func() { _, err = d.Run(context.Background(), line) }, line)
		assert.True(t, errors.Is(err, errors.ErrCommandParam), "Run(%q) = %v", line, err)
	}

	out, err := d.Run(context.Background(), "HELP")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestTypedGetters(t *testing.T) {
	cmd, err := Parse("X AUTO=no STD_MULTIPLIER=3.5 TARE=250 BAD=abc")
	require.NoError(t, err)

	auto, err := cmd.Bool("auto", true)
	require.NoError(t, err)
	assert.False(t, auto)

	std, err := cmd.OptFloat("STD_MULTIPLIER", Min(0))
	require.NoError(t, err)
	require.NotNil(t, std)
	assert.Equal(t, 3.5, *std)

	missing, err := cmd.OptFloat("THRESHOLD", Min(0))
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = cmd.Int("TARE", 100, Range(1, 200))
	assert.True(t, errors.Is(err, errors.ErrCommandParam), "TARE=250 outside 1..200")

	_, err = cmd.Float("BAD", 0, Bounds{})
	assert.True(t, errors.Is(err, errors.ErrCommandParam))

	_, err = cmd.Bool("BAD", false)
	assert.Error(t, err)

	v, err := cmd.Float("TIMESTEP", 0.001, Above(0))
	require.NoError(t, err)
	assert.Equal(t, 0.001, v)
}

type recordingObserver struct {
	names []string
	errs  []error
}

func (o *recordingObserver) CommandExecuted(name string, _ time.Duration, err error) {
	o.names = append(o.names, name)
	o.errs = append(o.errs, err)
}

func TestDispatcher(t *testing.T) {
	obs := &recordingObserver{}
	d := NewDispatcher(obs)
	d.Register("echo", "repeat MSG", func(ctx context.Context, cmd *Command) error {
		cmd.Respond("%s", cmd.String("MSG", ""))
		return nil
	})
	d.Register("BOOM", "panics", func(ctx context.Context, cmd *Command) error {
		panic("boom")
	})

	out, err := d.Execute(context.Background(), "ECHO MSG=hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, out)

	_, err = d.Execute(context.Background(), "NOPE")
	assert.True(t, errors.Is(err, errors.ErrCommandUnknown))

	_, err = d.Execute(context.Background(), "BOOM")
	assert.True(t, errors.Is(err, errors.ErrRuntime))

	out, err = d.Execute(context.Background(), "")
	assert.NoError(t, err)
	assert.Nil(t, out)

	assert.Equal(t, []string{"ECHO", "BOOM"}, obs.names)
	assert.Contains(t, d.Commands(), "HELP")
	assert.Panics(t, func() { d.Register("ECHO", "", nil) })
}

func TestToolheadScript(t *testing.T) {
	d := NewDispatcher(nil)
	th := NewToolhead()
	th.Register(d)

	require.NoError(t, d.RunScript(context.Background(), "G1 Z10 F600\nG91\nG1 Z-2\nG90"))
	pos, err := th.Position()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 8, 0}, pos)

	out, err := d.Execute(context.Background(), "M114")
	require.NoError(t, err)
	assert.Equal(t, []string{"X:0.000 Y:0.000 Z:8.000 E:0.000"}, out)

	// A bad argument rejects the whole move.
	err = d.RunScript(context.Background(), "G1 X5 Z=abc")
	assert.Error(t, err)
	pos, _ = th.Position()
	assert.Equal(t, 0.0, pos[0])

	require.NoError(t, d.RunScript(context.Background(), "G92 Z0"))
	pos, _ = th.Position()
	assert.Equal(t, 0.0, pos[2])
}

func TestDwellHonorsContext(t *testing.T) {
	d := NewDispatcher(nil)
	NewToolhead().Register(d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Execute(ctx, "G4 P60000")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunAllowsNestedScripts(t *testing.T) {
	d := NewDispatcher(nil)
	th := NewToolhead()
	th.Register(d)
	d.Register("LIFT", "", func(ctx context.Context, cmd *Command) error {
		return d.RunScript(ctx, "G91\nG1 Z5\nG90")
	})

	_, err := d.Run(context.Background(), "LIFT")
	require.NoError(t, err)
	pos, _ := th.Position()
	assert.Equal(t, 5.0, pos[2])
}
