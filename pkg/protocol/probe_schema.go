package protocol

// Analog probe messages. Firmware and host must agree on every field
// kind and scale listed here.

var oidField = Field{Name: "oid", Kind: KindU8}

var (
	ConfigAnalogProbe = &CommandDescriptor{
		Name: "config_analog_probe",
		Fields: []Field{
			oidField,
			{Name: "pin", Kind: KindPin},
			{Name: "pull_up", Kind: KindBool},
			{Name: "trig_sup", Kind: KindBool},
			{Name: "trig_inf", Kind: KindBool},
			{Name: "trig_th", Kind: KindFixed, Scale: Milli},
			{Name: "auto_th", Kind: KindBool},
			{Name: "auto_std_mul", Kind: KindFixed, Scale: Centi},
			{Name: "tare_buf_len", Kind: KindU32},
			{Name: "cur_buf_len", Kind: KindU32},
		},
	}

	AnalogProbeHome = &CommandDescriptor{
		Name: "analog_probe_home",
		Fields: []Field{
			oidField,
			{Name: "clock", Kind: KindU32},
			{Name: "sample_ticks", Kind: KindU32},
			{Name: "sample_count", Kind: KindU8},
			{Name: "rest_ticks", Kind: KindU32},
			{Name: "pin_value", Kind: KindBool},
			{Name: "trsync_oid", Kind: KindU8},
			{Name: "trigger_reason", Kind: KindU8},
		},
	}

	AnalogProbeQueryState = &CommandDescriptor{
		Name:   "analog_probe_query_state",
		Fields: []Field{oidField},
	}

	EndstopState = &CommandDescriptor{
		Name:      "endstop_state",
		Direction: FromMCU,
		Fields: []Field{
			oidField,
			{Name: "homing", Kind: KindBool},
			{Name: "next_clock", Kind: KindU32},
			{Name: "pin_value", Kind: KindBool},
		},
	}

	AnalogProbeDoTare = &CommandDescriptor{
		Name:   "analog_probe_do_tare",
		Fields: []Field{oidField},
	}

	AnalogProbeTareState = &CommandDescriptor{
		Name:      "analog_probe_tare_state",
		Direction: FromMCU,
		Fields: []Field{
			oidField,
			{Name: "tare", Kind: KindFixed, Scale: Milli},
			{Name: "trig_th", Kind: KindFixed, Scale: Milli},
			{Name: "auto_th", Kind: KindBool},
			{Name: "auto_std_mul", Kind: KindFixed, Scale: Centi},
		},
	}

	AnalogProbeSetThresh = &CommandDescriptor{
		Name: "analog_probe_set_thresh",
		Fields: []Field{
			oidField,
			{Name: "trig_th", Kind: KindFixed, Scale: Milli},
			{Name: "auto_th", Kind: KindBool},
			{Name: "auto_std_mul", Kind: KindFixed, Scale: Centi},
		},
	}

	AnalogProbeUpdateBuffer = &CommandDescriptor{
		Name: "analog_probe_update_buffer",
		Fields: []Field{
			oidField,
			{Name: "tare_buf_len", Kind: KindU32},
			{Name: "cur_buf_len", Kind: KindU32},
		},
	}

	AnalogProbeInitSampling = &CommandDescriptor{
		Name: "analog_probe_init_sampling",
		Fields: []Field{
			oidField,
			{Name: "clock", Kind: KindU32},
			{Name: "rest_ticks", Kind: KindU32},
		},
	}

	AnalogProbeStartLog = &CommandDescriptor{
		Name: "analog_probe_start_log",
		Fields: []Field{
			oidField,
			{Name: "log_ticks", Kind: KindU32},
		},
	}

	AnalogProbeStopLog = &CommandDescriptor{
		Name:   "analog_probe_stop_log",
		Fields: []Field{oidField},
	}

	AnalogProbeLog = &CommandDescriptor{
		Name:      "analog_probe_log",
		Direction: FromMCU,
		Fields: []Field{
			oidField,
			{Name: "timestamp", Kind: KindU32},
			{Name: "raw", Kind: KindI32},
			{Name: "current", Kind: KindFixed, Scale: Milli},
			{Name: "tare", Kind: KindFixed, Scale: Milli},
			{Name: "trig_th", Kind: KindFixed, Scale: Milli},
			{Name: "triggered", Kind: KindBool},
			{Name: "auto_th", Kind: KindBool},
			{Name: "auto_std_mul", Kind: KindFixed, Scale: Centi},
			{Name: "tare_buf_len", Kind: KindU32},
			{Name: "cur_buf_len", Kind: KindU32},
			{Name: "finished", Kind: KindBool},
		},
	}

	AnalogProbeActive = &CommandDescriptor{
		Name:      "analog_probe_active",
		Direction: FromMCU,
		Fields: []Field{
			oidField,
			{Name: "active", Kind: KindBool},
		},
	}

	GetClock = &CommandDescriptor{Name: "get_clock"}

	Clock = &CommandDescriptor{
		Name:      "clock",
		Direction: FromMCU,
		Fields:    []Field{{Name: "clock", Kind: KindU32}},
	}
)

// ProbeDescriptors lists every analog probe message, for dictionary
// generation and validation.
func ProbeDescriptors() []*CommandDescriptor {
	return []*CommandDescriptor{
		ConfigAnalogProbe, AnalogProbeHome,
		AnalogProbeQueryState, EndstopState,
		AnalogProbeDoTare, AnalogProbeTareState,
		AnalogProbeSetThresh, AnalogProbeUpdateBuffer,
		AnalogProbeInitSampling, AnalogProbeStartLog, AnalogProbeStopLog,
		AnalogProbeLog, AnalogProbeActive,
		GetClock, Clock,
	}
}

// BuildDictionary produces a dictionary declaring the given descriptors,
// numbered from firstID in order. Used by the simulated MCU and tests.
func BuildDictionary(descs []*CommandDescriptor, firstID int, pins []string, clockFreq float64) *Dictionary {
	d := &Dictionary{
		Commands:     map[string]int{},
		Responses:    map[string]int{},
		Output:       map[string]int{},
		Enumerations: map[string]map[string]int{"pin": {}},
		Config:       map[string]any{"CLOCK_FREQ": clockFreq},
	}
	for i, desc := range descs {
		if desc.Direction == FromMCU {
			d.Responses[desc.Format()] = firstID + i
		} else {
			d.Commands[desc.Format()] = firstID + i
		}
	}
	for i, p := range pins {
		d.Enumerations["pin"][p] = i
	}
	return d
}

// Built-in dictionary parameters, shared by the host and the simulated
// MCU when no dictionary file is configured.
const (
	DefaultFirstID   = 20
	DefaultClockFreq = 50000000
)

// DefaultPins are the pin names of the built-in dictionary.
var DefaultPins = []string{"PA0", "PA1", "PA2", "PA3", "PB0", "PB1", "PB2", "PB3"}

// DefaultDictionary returns the built-in probe dictionary.
func DefaultDictionary() *Dictionary {
	return BuildDictionary(ProbeDescriptors(), DefaultFirstID, DefaultPins, DefaultClockFreq)
}
