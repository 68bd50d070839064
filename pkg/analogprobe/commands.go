// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package analogprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"klipper-analog-probe/pkg/calibration"
	"klipper-analog-probe/pkg/errors"
	"klipper-analog-probe/pkg/gcode"
	"klipper-analog-probe/pkg/protocol"
	"klipper-analog-probe/pkg/samplelog"
)

// Console defaults.
const (
	DefaultTimestep = 0.001
	DefaultDuration = 10.0
	maxTestSamples  = 100
)

// RegisterCommands installs the probe's console commands on d.
func (p *Probe) RegisterCommands(d *gcode.Dispatcher) {
	d.Register("UPDATE_THRESHOLD", "Set the trigger threshold: AUTO=<0|1> [STD_MULTIPLIER=<f>] [THRESHOLD=<f>]", p.cmdUpdateThreshold)
	d.Register("MAKE_TARE", "Recompute the probe tare", p.cmdMakeTare)
	d.Register("INIT_PROBE", "Start continuous sampling: [TIMESTEP=<s>]", p.cmdInitProbe)
	d.Register("START_LOGGING", "Log samples to a file: [TIMESTEP=<s>] [DURATION=<s>] [FILENAME=<name>]", p.cmdStartLogging)
	d.Register("STOP_LOGGING", "Stop logging and write the session", p.cmdStopLogging)
	d.Register("PRINT_CURRENT_VALUES", "Report the last streamed sample", p.cmdPrintCurrentValues)
	d.Register("UPDATE_BUFFER_LEN", "Set rolling window lengths: [TARE=<n>] [CURRENT=<n>]", p.cmdUpdateBufferLen)
	d.Register("QUERY_PROBE", "Report whether the probe is triggered", p.cmdQueryProbe)
	d.Register("PROBE_STATUS", "Report the probe status as JSON", p.cmdProbeStatus)
	d.Register("TEST_PROBE_ACTIVATION", "Run the activation sequence: [SAMPLES=<n>]", p.cmdTestActivation)
}

func fixed(v float64, s protocol.Scale) string {
	return protocol.FormatFixed(v, s)
}

func describe(st calibration.State) string {
	mode := "manual"
	if st.AutoThreshold {
		mode = fmt.Sprintf("auto std_multiplier=%s", fixed(st.StdMultiplier, protocol.Centi))
	}
	return fmt.Sprintf("tare=%s threshold=%s (%s)",
		fixed(st.Tare, protocol.Milli), fixed(st.Threshold, protocol.Milli), mode)
}

// seconds reads a positive duration that must fit in 32-bit MCU ticks.
func (p *Probe) seconds(cmd *gcode.Command, name string, def float64) (float64, error) {
	v, err := cmd.Float(name, def, gcode.Above(0))
	if err != nil {
		return 0, err
	}
	ticks := p.clock.cs.SecondsToClock(v)
	if ticks < 1 {
		return 0, errors.InvalidParameterError(cmd.Name, name, fmt.Sprint(v), "shorter than one MCU tick")
	}
	if ticks > math.MaxUint32 {
		return 0, errors.InvalidParameterError(cmd.Name, name, fmt.Sprint(v), "too long for the MCU clock")
	}
	return v, nil
}

func (p *Probe) cmdUpdateThreshold(ctx context.Context, cmd *gcode.Command) error {
	auto, err := cmd.Bool("AUTO", true)
	if err != nil {
		return err
	}
	std, err := cmd.OptFloat("STD_MULTIPLIER", gcode.Min(0))
	if err != nil {
		return err
	}
	manual, err := cmd.OptFloat("THRESHOLD", gcode.Min(0))
	if err != nil {
		return err
	}
	if err := p.cal.SetThreshold(auto, manual, std); err != nil {
		return err
	}
	cmd.Respond("%s", describe(p.cal.State()))
	return nil
}

func (p *Probe) cmdMakeTare(ctx context.Context, cmd *gcode.Command) error {
	st, err := p.cal.Tare(ctx)
	if err != nil {
		return err
	}
	cmd.Respond("%s", describe(st))
	return nil
}

func (p *Probe) cmdInitProbe(ctx context.Context, cmd *gcode.Command) error {
	step, err := p.seconds(cmd, "TIMESTEP", DefaultTimestep)
	if err != nil {
		return err
	}
	if err := p.logs.InitSampling(step); err != nil {
		return err
	}
	cmd.Respond("sampling every %gs", step)
	return nil
}

func (p *Probe) cmdStartLogging(ctx context.Context, cmd *gcode.Command) error {
	step, err := p.seconds(cmd, "TIMESTEP", DefaultTimestep)
	if err != nil {
		return err
	}
	duration, err := p.seconds(cmd, "DURATION", DefaultDuration)
	if err != nil {
		return err
	}
	name, err := samplelog.ValidateName(cmd.String("FILENAME", ""), time.Now())
	if err != nil {
		return err
	}
	if _, err := p.startSession(ctx, name, step, duration); err != nil {
		return err
	}
	cmd.Respond("logging to %s for %gs", p.SessionPath(name), duration)
	return nil
}

func (p *Probe) cmdStopLogging(ctx context.Context, cmd *gcode.Command) error {
	st := p.logs.Status()
	if err := p.stopSession(ctx); err != nil {
		return err
	}
	if st.Active {
		cmd.Respond("logging stopped, %d records queued for %s", st.Records, p.SessionPath(st.Name))
	} else {
		cmd.Respond("no logging session active")
	}
	return nil
}

func (p *Probe) cmdPrintCurrentValues(ctx context.Context, cmd *gcode.Command) error {
	r := p.cal.Readings()
	if !r.Valid {
		cmd.Respond("no samples received yet")
		return nil
	}
	st := p.cal.State()
	cmd.Respond("raw=%d current=%s tare=%s threshold=%s triggered=%t",
		r.Raw, fixed(r.Current, protocol.Milli), fixed(st.Tare, protocol.Milli),
		fixed(st.Threshold, protocol.Milli), r.Triggered)
	if r.HostTriggered != r.Triggered {
		cmd.Respond("warning: host comparison gives triggered=%t", r.HostTriggered)
	}
	return nil
}

func (p *Probe) cmdUpdateBufferLen(ctx context.Context, cmd *gcode.Command) error {
	bounds := gcode.Range(calibration.MinBufferLen, calibration.MaxBufferLen)
	tareLen, err := cmd.Int("TARE", 100, bounds)
	if err != nil {
		return err
	}
	curLen, err := cmd.Int("CURRENT", 5, bounds)
	if err != nil {
		return err
	}
	if err := p.cal.UpdateBuffers(uint32(tareLen), uint32(curLen)); err != nil {
		return err
	}
	cmd.Respond("tare_buffer_len=%d current_buffer_len=%d", tareLen, curLen)
	return nil
}

func (p *Probe) cmdQueryProbe(ctx context.Context, cmd *gcode.Command) error {
	triggered, err := p.sm.QueryEndstop(ctx)
	if err != nil {
		return err
	}
	if triggered {
		cmd.Respond("probe: TRIGGERED")
	} else {
		cmd.Respond("probe: open")
	}
	return nil
}

func (p *Probe) cmdProbeStatus(ctx context.Context, cmd *gcode.Command) error {
	data, err := json.Marshal(p.Status())
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "encode status")
	}
	cmd.Respond("%s", data)
	return nil
}

// cmdTestActivation runs the multi-sample activation sequence without
// moving the toolhead, which catches activation scripts that move it.
func (p *Probe) cmdTestActivation(ctx context.Context, cmd *gcode.Command) error {
	samples, err := cmd.Int("SAMPLES", 1, gcode.Range(1, maxTestSamples))
	if err != nil {
		return err
	}
	p.sm.MultiProbeBegin()
	runErr := func() error {
		for i := 0; i < samples; i++ {
			if err := p.sm.ProbePrepare(ctx); err != nil {
				return err
			}
			if err := p.sm.ProbeFinish(ctx); err != nil {
				return err
			}
		}
		return nil
	}()
	endErr := p.sm.MultiProbeEnd(ctx)
	if runErr != nil {
		return runErr
	}
	if endErr != nil {
		return endErr
	}
	cmd.Respond("%d activation cycles ok", samples)
	return nil
}
