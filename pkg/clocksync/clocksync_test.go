package clocksync

import (
	"math"
	"testing"
)

func TestInitialize(t *testing.T) {
	cs := New(72000000.0)
	cs.Initialize(1000000, 0.5)

	est := cs.GetEstimate()
	if est.Clock != 1000000 {
		t.Errorf("est.Clock = %d, want %d", est.Clock, 1000000)
	}
	if est.SampleTime != 0.5 {
		t.Errorf("est.SampleTime = %f, want 0.5", est.SampleTime)
	}
	if est.Freq != 72000000.0 {
		t.Errorf("est.Freq = %f, want 72000000", est.Freq)
	}
}

func TestConversions(t *testing.T) {
	cs := New(16000000.0)

	if got := cs.PrintTimeToClock(1.5); got != 24000000 {
		t.Errorf("PrintTimeToClock(1.5) = %d, want 24000000", got)
	}
	if got := cs.ClockToPrintTime(8000000); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("ClockToPrintTime(8000000) = %f, want 0.5", got)
	}
	if got := cs.SecondsToClock(0.001); got != 16000 {
		t.Errorf("SecondsToClock(0.001) = %d, want 16000", got)
	}
}

func TestGetClockExtrapolates(t *testing.T) {
	cs := New(1000000.0)
	cs.Initialize(5000, 10.0)

	if got := cs.GetClock(11.0); got != 1005000 {
		t.Errorf("GetClock(11.0) = %d, want 1005000", got)
	}
	if got := cs.EstimatedPrintTime(11.0); math.Abs(got-1.005) > 1e-9 {
		t.Errorf("EstimatedPrintTime(11.0) = %f, want 1.005", got)
	}
}

func TestHandleClockTracksFrequency(t *testing.T) {
	const freq = 1000000.0
	cs := New(freq)
	cs.Initialize(0, 1.0)

	// the MCU runs 100ppm fast
	actual := freq * 1.0001
	for i := 1; i <= 200; i++ {
		sent := 1.0 + float64(i)*QUERY_INTERVAL
		clock := uint32(int64((sent - 1.0) * actual))
		cs.HandleClock(clock, sent, sent+0.0002)
	}
	est := cs.GetEstimate()
	if math.Abs(est.Freq-actual)/actual > 0.00005 {
		t.Errorf("estimated freq = %f, want ~%f", est.Freq, actual)
	}
}

func TestClock32ToClock64Wraps(t *testing.T) {
	cs := New(1000000.0)
	cs.Initialize(0xfffffff0, 0)

	if got := cs.Clock32ToClock64(0x00000010); got != 0x100000010 {
		t.Errorf("Clock32ToClock64 across wrap = %#x, want %#x", got, int64(0x100000010))
	}
	if got := cs.Clock32ToClock64(0xffffff00); got != 0xffffff00 {
		t.Errorf("Clock32ToClock64 behind = %#x, want %#x", got, int64(0xffffff00))
	}

	cs.HandleClock(0x00000020, 0, 0)
	if got := cs.Clock32ToClock64(0x00000030); got != 0x100000030 {
		t.Errorf("after HandleClock = %#x, want %#x", got, int64(0x100000030))
	}
}

func TestHandleClockSeedsUnsyncedEstimate(t *testing.T) {
	const freq = 50000000.0
	cs := New(freq)
	if cs.Initialized() {
		t.Fatal("Initialized() = true before any clock report")
	}

	// MCU booted 60s before the host's monotonic clock reached 100s.
	mcuClock := func(hostTime float64) int64 { return int64((hostTime - 60.0) * freq) }
	for i := 0; i < 20; i++ {
		sent := 100.0 + float64(i)*QUERY_INTERVAL
		clock := mcuClock(sent + 0.0001)
		cs.HandleClock(uint32(clock), sent, sent+0.0002)
	}
	if !cs.Initialized() {
		t.Fatal("Initialized() = false after clock reports")
	}

	at := 100.0 + 20*QUERY_INTERVAL
	if diff := float64(cs.GetClock(at)-mcuClock(at)) / freq; math.Abs(diff) > 0.001 {
		t.Errorf("GetClock(%v) is off by %.6fs, want under 1ms", at, diff)
	}
}
