package models

import (
	"fmt"
	"time"
)

// Condition records the outcome of a single strategy filter. The full
// slice of conditions is the explanation for why a signal was or was
// not emitted.
type Condition struct {
	Name      string
	Mandatory bool
	Passed    bool
	Observed  float64
	Threshold float64
}

func (c Condition) String() string {
	mark := "fail"
	if c.Passed {
		mark = "pass"
	}
	return fmt.Sprintf("%s=%s (observed %.4f, threshold %.4f)", c.Name, mark, c.Observed, c.Threshold)
}

// SignalQuality labels a signal by how many optional filters agreed.
type SignalQuality string

const (
	QualityValid  SignalQuality = "VALID"
	QualityStrong SignalQuality = "STRONG"
	QualityPrime  SignalQuality = "PRIME"
)

// QualityFor maps the optional-filter pass count to a quality label.
func QualityFor(optionalPassed int) SignalQuality {
	switch {
	case optionalPassed >= 4:
		return QualityPrime
	case optionalPassed >= 2:
		return QualityStrong
	default:
		return QualityValid
	}
}

// Signal is an actionable trade recommendation. A signal is immutable
// once created and is consumed exactly once by the risk gate.
type Signal struct {
	ID         string
	Symbol     string
	Exchange   Exchange
	Direction  OrderSide
	Strength   float64 // fraction of optional filters passed, [0,1]
	Quality    SignalQuality
	Entry      float64
	StopLoss   float64
	Target     float64
	Conditions []Condition
	Reason     string
	CandleTS   time.Time // interval start of the evaluated candle
	Revision   uint64
	CreatedAt  time.Time
}

// RiskReward returns the target distance over the stop distance.
func (s *Signal) RiskReward() float64 {
	risk := s.Entry - s.StopLoss
	if risk < 0 {
		risk = -risk
	}
	if risk == 0 {
		return 0
	}
	reward := s.Target - s.Entry
	if reward < 0 {
		reward = -reward
	}
	return reward / risk
}

// StopDistance returns the absolute distance from entry to stop.
func (s *Signal) StopDistance() float64 {
	d := s.Entry - s.StopLoss
	if d < 0 {
		d = -d
	}
	return d
}
