// Package clocksync estimates the MCU clock from host time.
//
// The estimate is a decaying linear regression over get_clock round
// trips, so the host can schedule commands in MCU ticks and widen the
// 32-bit timestamps the MCU reports.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package clocksync

import (
	"math"
	"sync"
)

const (
	// RTT_AGE lets an old minimum round trip slowly expire.
	RTT_AGE = 0.000010 / (60.0 * 60.0)

	DECAY = 1.0 / 30.0

	// QUERY_INTERVAL is how often get_clock is sent, in seconds.
	QUERY_INTERVAL = 0.9839
)

// ClockEstimate maps host time to MCU clock.
type ClockEstimate struct {
	SampleTime float64
	Clock      int64
	Freq       float64
}

// ClockSync tracks one MCU clock.
type ClockSync struct {
	mu sync.RWMutex

	MCUFreq float64

	initialized bool
	lastClock   int64
	clockEst    ClockEstimate

	minHalfRTT float64
	minRTTTime float64

	timeAvg         float64
	timeVariance    float64
	clockAvg        float64
	clockCovariance float64
	predictionVar   float64
	lastPredTime    float64
}

// New creates a ClockSync for an MCU running at mcuFreq Hz.
func New(mcuFreq float64) *ClockSync {
	return &ClockSync{
		MCUFreq:    mcuFreq,
		minHalfRTT: 999999999.9,
		clockEst:   ClockEstimate{Freq: mcuFreq},
	}
}

// Initialize seeds the estimate from a first clock reading.
func (cs *ClockSync) Initialize(clock int64, sentTime float64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.seed(clock, sentTime)
}

func (cs *ClockSync) seed(clock int64, sampleTime float64) {
	cs.lastClock = clock
	cs.clockAvg = float64(clock)
	cs.timeAvg = sampleTime
	cs.timeVariance = 0
	cs.clockCovariance = 0
	cs.clockEst = ClockEstimate{SampleTime: sampleTime, Clock: clock, Freq: cs.MCUFreq}
	cs.predictionVar = math.Pow(0.001*cs.MCUFreq, 2)
	cs.initialized = true
}

// Initialized reports whether the estimate has been seeded. Until then
// GetClock is meaningless.
func (cs *ClockSync) Initialized() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.initialized
}

// HandleClock folds one clock response into the estimate. sentTime and
// receiveTime are the host times of the get_clock round trip; a zero
// sentTime only advances the 64-bit clock. The first timed report on an
// unseeded estimate seeds it.
func (cs *ClockSync) HandleClock(clock32 uint32, sentTime, receiveTime float64) ClockEstimate {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.initialized && sentTime != 0 {
		cs.seed(int64(clock32), sentTime)
		return cs.clockEst
	}

	clock := cs.lastClock + int64(int32(clock32-uint32(cs.lastClock)))
	cs.lastClock = clock
	if sentTime == 0 {
		return cs.clockEst
	}

	halfRTT := 0.5 * (receiveTime - sentTime)
	agedRTT := (sentTime - cs.minRTTTime) * RTT_AGE
	if halfRTT < cs.minHalfRTT+agedRTT {
		cs.minHalfRTT = halfRTT
		cs.minRTTTime = sentTime
	}

	// Discard outliers, unless several arrive in a row.
	expClock := (sentTime-cs.timeAvg)*cs.clockEst.Freq + cs.clockAvg
	clockDiff2 := math.Pow(float64(clock)-expClock, 2)
	limit := 0.000500 * cs.MCUFreq
	if clockDiff2 > 25.0*cs.predictionVar && clockDiff2 > limit*limit {
		if float64(clock) > expClock && sentTime < cs.lastPredTime+10.0 {
			return cs.clockEst
		}
		cs.predictionVar = math.Pow(0.001*cs.MCUFreq, 2)
	} else {
		cs.lastPredTime = sentTime
		cs.predictionVar = (1.0 - DECAY) * (cs.predictionVar + clockDiff2*DECAY)
	}

	diffSentTime := sentTime - cs.timeAvg
	cs.timeAvg += DECAY * diffSentTime
	cs.timeVariance = (1.0 - DECAY) * (cs.timeVariance + diffSentTime*diffSentTime*DECAY)
	diffClock := float64(clock) - cs.clockAvg
	cs.clockAvg += DECAY * diffClock
	cs.clockCovariance = (1.0 - DECAY) * (cs.clockCovariance + diffSentTime*diffClock*DECAY)

	freq := cs.MCUFreq
	if cs.timeVariance > 0 {
		freq = cs.clockCovariance / cs.timeVariance
	}
	cs.clockEst = ClockEstimate{
		SampleTime: cs.timeAvg + cs.minHalfRTT,
		Clock:      int64(cs.clockAvg),
		Freq:       freq,
	}
	return cs.clockEst
}

// GetClock estimates the MCU clock at host time eventtime.
func (cs *ClockSync) GetClock(eventtime float64) int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	est := cs.clockEst
	return int64(float64(est.Clock) + (eventtime-est.SampleTime)*est.Freq)
}

// PrintTimeToClock converts print time (seconds of MCU uptime) to ticks.
func (cs *ClockSync) PrintTimeToClock(printTime float64) int64 {
	return int64(printTime * cs.MCUFreq)
}

// ClockToPrintTime converts ticks to print time.
func (cs *ClockSync) ClockToPrintTime(clock int64) float64 {
	return float64(clock) / cs.MCUFreq
}

// SecondsToClock converts a duration to ticks.
func (cs *ClockSync) SecondsToClock(seconds float64) int64 {
	return int64(seconds * cs.MCUFreq)
}

// EstimatedPrintTime returns the print time at host time eventtime.
func (cs *ClockSync) EstimatedPrintTime(eventtime float64) float64 {
	return cs.ClockToPrintTime(cs.GetClock(eventtime))
}

// Clock32ToClock64 widens a 32-bit MCU clock using the last known clock.
// Valid while the value is within 2^31 ticks of the last clock report.
func (cs *ClockSync) Clock32ToClock64(clock32 uint32) int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.lastClock + int64(int32(clock32-uint32(cs.lastClock)))
}

// GetEstimate returns the current estimate.
func (cs *ClockSync) GetEstimate() ClockEstimate {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.clockEst
}
