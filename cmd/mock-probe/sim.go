package main

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"klipper-analog-probe/pkg/protocol"
)

// Reply sends one response message by name.
type Reply func(name string, args ...int32)

// frontEnd models the probe's analog front end.
type frontEnd struct {
	Base   float64 // resting reading
	Noise  float64 // standard deviation of the reading
	Press  float64 // added while in contact
	Period float64 // seconds between simulated contacts, 0 for never
}

func (s frontEnd) read(elapsed float64, rng *rand.Rand) float64 {
	v := s.Base + rng.NormFloat64()*s.Noise
	if s.Period > 0 && math.Mod(elapsed, s.Period) > s.Period*0.9 {
		v += s.Press
	}
	if v < 0 {
		v = 0
	}
	return v
}

// probeObject is the firmware state of one analog probe oid.
type probeObject struct {
	oid       int32
	trigSup   bool
	trigInf   bool
	threshold float64
	auto      bool
	stdMul    float64
	tareLen   int
	curLen    int

	tare     float64
	history  []float64 // newest last, capped at maxHistory
	current  float64
	raw      int32
	sampling bool
	rest     uint32
	nextTick uint32
	logLeft  int64
	homing   bool
	hit      bool
}

const (
	maxHistory = 200
	// maxBacklog bounds how many overdue samples one Step catches up.
	maxBacklog = 1000
)

func (p *probeObject) push(v float64) {
	p.history = append(p.history, v)
	if len(p.history) > maxHistory {
		p.history = p.history[len(p.history)-maxHistory:]
	}
}

func window(h []float64, n int) []float64 {
	if n > len(h) {
		n = len(h)
	}
	return h[len(h)-n:]
}

func meanStd(vs []float64) (float64, float64) {
	if len(vs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	mean := sum / float64(len(vs))
	var sq float64
	for _, v := range vs {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(vs)))
}

// doTare recomputes tare from the tare window and, in automatic mode,
// the threshold as std*multiplier.
func (p *probeObject) doTare() {
	mean, std := meanStd(window(p.history, p.tareLen))
	p.tare = mean
	if p.auto {
		p.threshold = std * p.stdMul
	}
}

func (p *probeObject) triggered() bool {
	dev := p.current - p.tare
	if math.Abs(dev) <= p.threshold {
		return false
	}
	if dev > 0 {
		return p.trigSup
	}
	return p.trigInf
}

// Sim is a simulated probe MCU.
type Sim struct {
	freq  float64
	start time.Time
	sig   frontEnd
	reply Reply
	rng   *rand.Rand

	mu     sync.Mutex
	probes map[int32]*probeObject
}

// NewSim creates a simulator answering through reply.
func NewSim(freq float64, sig frontEnd, reply Reply) *Sim {
	return &Sim{
		freq:   freq,
		start:  time.Now(),
		sig:    sig,
		reply:  reply,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		probes: make(map[int32]*probeObject),
	}
}

// Clock returns the simulated MCU clock.
func (s *Sim) Clock() uint32 {
	return uint32(time.Since(s.start).Seconds() * s.freq)
}

func fixedArg(m *protocol.Message, name string, sc protocol.Scale) float64 {
	v, _ := m.Arg(name)
	return protocol.DecodeFixed(uint32(v), sc)
}

func boolArg(m *protocol.Message, name string) bool {
	v, _ := m.Arg(name)
	return v != 0
}

func uintArg(m *protocol.Message, name string) uint32 {
	v, _ := m.Arg(name)
	return uint32(v)
}

func encodeFixed(v float64, sc protocol.Scale) int32 {
	raw, err := protocol.EncodeFixed("mock", v, sc)
	if err != nil {
		return 0
	}
	return int32(raw)
}

func flag32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// Handle processes one host command.
func (s *Sim) Handle(m *protocol.Message) {
	if m.Name() == "get_clock" {
		s.reply("clock", int32(s.Clock()))
		return
	}

	oid, _ := m.Arg("oid")
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Name() == "config_analog_probe" {
		s.probes[oid] = &probeObject{
			oid:       oid,
			trigSup:   boolArg(m, "trig_sup"),
			trigInf:   boolArg(m, "trig_inf"),
			threshold: fixedArg(m, "trig_th", protocol.Milli),
			auto:      boolArg(m, "auto_th"),
			stdMul:    fixedArg(m, "auto_std_mul", protocol.Centi),
			tareLen:   int(uintArg(m, "tare_buf_len")),
			curLen:    int(uintArg(m, "cur_buf_len")),
		}
		return
	}
	p := s.probes[oid]
	if p == nil {
		logger.WithField("command", m.Name()).Warn("command for unconfigured oid %d", oid)
		return
	}

	switch m.Name() {
	case "analog_probe_home":
		p.homing = uintArg(m, "sample_count") > 0
		p.hit = false
	case "analog_probe_query_state":
		s.reply("endstop_state", oid, flag32(p.homing), int32(s.Clock()), flag32(p.triggered()))
	case "analog_probe_do_tare":
		p.doTare()
		s.reply("analog_probe_tare_state", oid,
			encodeFixed(p.tare, protocol.Milli), encodeFixed(p.threshold, protocol.Milli),
			flag32(p.auto), encodeFixed(p.stdMul, protocol.Centi))
	case "analog_probe_set_thresh":
		p.auto = boolArg(m, "auto_th")
		p.stdMul = fixedArg(m, "auto_std_mul", protocol.Centi)
		if p.auto {
			p.doTare()
		} else {
			p.threshold = fixedArg(m, "trig_th", protocol.Milli)
		}
	case "analog_probe_update_buffer":
		p.tareLen = int(uintArg(m, "tare_buf_len"))
		p.curLen = int(uintArg(m, "cur_buf_len"))
	case "analog_probe_init_sampling":
		p.rest = uintArg(m, "rest_ticks")
		p.nextTick = uintArg(m, "clock")
		if !p.sampling {
			p.sampling = true
			s.reply("analog_probe_active", oid, 1)
		}
	case "analog_probe_start_log":
		p.logLeft = int64(uintArg(m, "log_ticks"))
	case "analog_probe_stop_log":
		p.logLeft = 0
	}
}

// Step takes every sample that is due at the current clock.
func (s *Sim) Step() {
	now := s.Clock()
	elapsed := time.Since(s.start).Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.probes {
		if p.sampling && p.rest > 0 && int32(now-p.nextTick) > int32(maxBacklog*p.rest) {
			p.nextTick = now
		}
		for p.sampling && p.rest > 0 && int32(now-p.nextTick) >= 0 {
			s.sample(p, p.nextTick, elapsed)
			p.nextTick += p.rest
		}
	}
}

func (s *Sim) sample(p *probeObject, clock uint32, elapsed float64) {
	v := s.sig.read(elapsed, s.rng)
	p.push(v)
	p.raw = int32(math.Round(v * 1000))
	p.current, _ = meanStd(window(p.history, p.curLen))
	trig := p.triggered()
	if trig && p.homing && !p.hit {
		p.hit = true
		p.homing = false
		logger.WithField("clock", clock).Info("probe %d triggered while homing", p.oid)
	}
	if p.logLeft <= 0 {
		return
	}
	p.logLeft -= int64(p.rest)
	finished := p.logLeft <= 0
	s.reply("analog_probe_log", p.oid, int32(clock), p.raw,
		encodeFixed(p.current, protocol.Milli), encodeFixed(p.tare, protocol.Milli),
		encodeFixed(p.threshold, protocol.Milli), flag32(trig), flag32(p.auto),
		encodeFixed(p.stdMul, protocol.Centi), int32(p.tareLen), int32(p.curLen),
		flag32(finished))
}
