package config

import (
	"time"
)

// Buffer length limits shared with the firmware's ring buffers.
const (
	MinBufferLen = 1
	MaxBufferLen = 200
)

// MCUSection is the [mcu] block.
type MCUSection struct {
	Serial     string
	Baud       int
	Dictionary string // optional data dictionary JSON; empty uses the built-in one
}

// ProbeSection is the [analog_probe] block.
type ProbeSection struct {
	Pin     Pin
	ZOffset float64

	TriggerSup        bool
	TriggerInf        bool
	TriggerThreshold  float64
	AutoThreshold     bool
	AutoStdMultiplier float64
	TareBufferLen     int
	CurrentBufferLen  int

	StowOnEachSample bool
	ActivateGcode    string
	DeactivateGcode  string

	LogDir       string
	QueryTimeout time.Duration
	SampleTime   time.Duration
	SampleCount  int
	RestTime     time.Duration
}

func ptrInt(v int) *int { return &v }
func ptrFloat(v float64) *float64 { return &v }

// ReadMCU parses the [mcu] section.
func ReadMCU(c *Config) (MCUSection, error) {
	var m MCUSection
	sec, err := c.GetSection("mcu")
	if err != nil {
		return m, err
	}
	if m.Serial, err = sec.Get("serial"); err != nil {
		return m, err
	}
	if m.Baud, err = sec.GetInt("baud", IntBounds{MinVal: ptrInt(2400)}, 250000); err != nil {
		return m, err
	}
	if m.Dictionary, err = sec.Get("dictionary", ""); err != nil {
		return m, err
	}
	return m, nil
}

// ReadProbe parses the [analog_probe] section.
func ReadProbe(c *Config) (ProbeSection, error) {
	var p ProbeSection
	sec, err := c.GetSection("analog_probe")
	if err != nil {
		return p, err
	}

	if p.Pin, err = sec.GetPin("pin", PinOptions{CanPullup: true}); err != nil {
		return p, err
	}
	if p.ZOffset, err = sec.GetFloat("z_offset", FloatBounds{MinVal: ptrFloat(0)}); err != nil {
		return p, err
	}

	if p.TriggerSup, err = sec.GetBool("trigger_sup", true); err != nil {
		return p, err
	}
	if p.TriggerInf, err = sec.GetBool("trigger_inf", true); err != nil {
		return p, err
	}
	if p.TriggerThreshold, err = sec.GetFloat("trigger_threshold", FloatBounds{MinVal: ptrFloat(0)}, 0); err != nil {
		return p, err
	}
	if p.AutoThreshold, err = sec.GetBool("auto_threshold", true); err != nil {
		return p, err
	}
	if p.AutoStdMultiplier, err = sec.GetFloat("auto_std_multiplier", FloatBounds{MinVal: ptrFloat(0)}, 5.0); err != nil {
		return p, err
	}
	bufBounds := IntBounds{MinVal: ptrInt(MinBufferLen), MaxVal: ptrInt(MaxBufferLen)}
	if p.TareBufferLen, err = sec.GetInt("tare_buffer_len", bufBounds, 100); err != nil {
		return p, err
	}
	if p.CurrentBufferLen, err = sec.GetInt("current_buffer_len", bufBounds, 5); err != nil {
		return p, err
	}

	if p.StowOnEachSample, err = sec.GetBool("stow_on_each_sample", true); err != nil {
		return p, err
	}
	p.ActivateGcode = sec.GetScript("activate_gcode")
	p.DeactivateGcode = sec.GetScript("deactivate_gcode")

	if p.LogDir, err = sec.Get("log_dir", "/tmp"); err != nil {
		return p, err
	}
	if p.QueryTimeout, err = sec.GetDuration("query_timeout", FloatBounds{Above: ptrFloat(0)}, time.Second); err != nil {
		return p, err
	}
	if p.SampleTime, err = sec.GetDuration("sample_time", FloatBounds{Above: ptrFloat(0)}, time.Millisecond); err != nil {
		return p, err
	}
	if p.SampleCount, err = sec.GetInt("sample_count", IntBounds{MinVal: ptrInt(1), MaxVal: ptrInt(255)}, 1); err != nil {
		return p, err
	}
	if p.RestTime, err = sec.GetDuration("rest_time", FloatBounds{Above: ptrFloat(0)}, time.Millisecond); err != nil {
		return p, err
	}
	return p, nil
}
