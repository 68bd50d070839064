package gcode

import (
	"context"
	"sync"
	"time"
)

// Toolhead tracks the commanded position of the machine as seen by
// activation scripts. The probe host does not drive steppers; it only
// needs to know whether a script moved the head, so moves update the
// tracked position immediately.
type Toolhead struct {
	mu         sync.RWMutex
	position   [4]float64 // X, Y, Z, E
	feedrate   float64    // mm/s
	absCoords  bool
	absExtrude bool
}

// NewToolhead creates a toolhead at the origin in absolute mode.
func NewToolhead() *Toolhead {
	return &Toolhead{feedrate: 25, absCoords: true, absExtrude: true}
}

// Register installs the motion commands activation scripts use.
func (t *Toolhead) Register(d *Dispatcher) {
	d.Register("G0", "move", t.cmdMove)
	d.Register("G1", "move", t.cmdMove)
	d.Register("G4", "dwell P<ms>", t.cmdDwell)
	d.Register("G90", "absolute coordinates", func(ctx context.Context, cmd *Command) error {
		t.setMode(&t.absCoords, true)
		return nil
	})
	d.Register("G91", "relative coordinates", func(ctx context.Context, cmd *Command) error {
		t.setMode(&t.absCoords, false)
		return nil
	})
	d.Register("M82", "absolute extrusion", func(ctx context.Context, cmd *Command) error {
		t.setMode(&t.absExtrude, true)
		return nil
	})
	d.Register("M83", "relative extrusion", func(ctx context.Context, cmd *Command) error {
		t.setMode(&t.absExtrude, false)
		return nil
	})
	d.Register("G92", "set position", t.cmdSetPosition)
	d.Register("M114", "report position", t.cmdReportPosition)
}

func (t *Toolhead) setMode(field *bool, v bool) {
	t.mu.Lock()
	*field = v
	t.mu.Unlock()
}

// Position returns X, Y, Z, E.
func (t *Toolhead) Position() ([]float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return []float64{t.position[0], t.position[1], t.position[2], t.position[3]}, nil
}

var axes = [4]string{"X", "Y", "Z", "E"}

func (t *Toolhead) cmdMove(ctx context.Context, cmd *Command) error {
	var target [4]*float64
	for i, a := range axes {
		v, err := cmd.OptFloat(a, Bounds{})
		if err != nil {
			return err
		}
		target[i] = v
	}
	f, err := cmd.OptFloat("F", Above(0))
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, v := range target {
		if v == nil {
			continue
		}
		abs := t.absCoords
		if i == 3 {
			abs = t.absExtrude
		}
		if abs {
			t.position[i] = *v
		} else {
			t.position[i] += *v
		}
	}
	if f != nil {
		t.feedrate = *f / 60.0
	}
	return nil
}

func (t *Toolhead) cmdSetPosition(ctx context.Context, cmd *Command) error {
	var target [4]*float64
	for i, a := range axes {
		v, err := cmd.OptFloat(a, Bounds{})
		if err != nil {
			return err
		}
		target[i] = v
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, v := range target {
		if v != nil {
			t.position[i] = *v
		}
	}
	return nil
}

func (t *Toolhead) cmdDwell(ctx context.Context, cmd *Command) error {
	ms, err := cmd.Float("P", 0, Min(0))
	if err != nil {
		return err
	}
	timer := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Toolhead) cmdReportPosition(ctx context.Context, cmd *Command) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmd.Respond("X:%.3f Y:%.3f Z:%.3f E:%.3f",
		t.position[0], t.position[1], t.position[2], t.position[3])
	return nil
}
