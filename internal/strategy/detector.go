// Package strategy implements the mean-reversion signal detector.
//
// Each closed candle is judged independently against two groups of
// filters. The four mandatory filters (trend, extremum, mean
// reversion, reversal candle) must all pass for a signal to exist;
// the four optional filters (volume, MACD, EMA separation, candle
// range) each add a quarter to the signal strength and never block.
// Every evaluation reports the full condition set with observed and
// threshold values, whether or not a signal was emitted.
package strategy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"zerodha-scanner/internal/models"
	"zerodha-scanner/pkg/utils"
)

// Filter names as they appear in condition traces and the audit log.
const (
	FilterTrend         = "trend"
	FilterExtremum      = "extremum"
	FilterMeanReversion = "meanreversion"
	FilterReversal      = "reversalcandle"
	FilterVolume        = "volume"
	FilterMACD          = "macd"
	FilterSeparation    = "separation"
	FilterRange         = "candlerange"
)

// OptionalFilterCount is the number of strength-contributing filters.
const OptionalFilterCount = 4

// Params holds the detector thresholds.
type Params struct {
	RSIOversold      float64
	RSIOverbought    float64
	VolumeMultiplier float64
	MinSeparation    float64 // fast vs trend EMA, fraction
	MinRange         float64 // candle range vs close, fraction
	StopPercent      float64 // stop distance as a fraction of entry
	TargetPercent    float64 // target distance as a fraction of entry
}

// DefaultParams returns the standard intraday thresholds.
func DefaultParams() Params {
	return Params{
		RSIOversold:      30,
		RSIOverbought:    70,
		VolumeMultiplier: 1.2,
		MinSeparation:    0.005,
		MinRange:         0.0015,
		StopPercent:      0.003,
		TargetPercent:    0.007,
	}
}

// Evaluation is the full outcome of judging one candle: the proposed
// direction, every condition with its observed value, and the signal
// when all mandatory conditions passed.
type Evaluation struct {
	Direction      models.OrderSide // side suggested by the trend filter, "" if flat
	Conditions     []models.Condition
	OptionalPassed int
	Signal         *models.Signal // nil unless all mandatory filters passed
}

// MandatoryPassed reports whether every mandatory condition held.
func (e Evaluation) MandatoryPassed() bool {
	for _, c := range e.Conditions {
		if c.Mandatory && !c.Passed {
			return false
		}
	}
	return true
}

// Detector evaluates candles against the filter pipeline. It is
// stateless across evaluations and safe for concurrent use.
type Detector struct {
	params Params
}

// NewDetector creates a detector.
func NewDetector(params Params) *Detector {
	return &Detector{params: params}
}

// Evaluate judges the latest closed candle of inst together with its
// indicator snapshot.
func (d *Detector) Evaluate(inst models.Instrument, candle models.Candle, snap models.IndicatorSnapshot) Evaluation {
	direction, trendCond := d.trendCondition(snap)

	// Directional filters fall back to the buy side when the trend is
	// exactly flat; the signal is impossible then anyway.
	side := direction
	if side == "" {
		side = models.OrderSideBuy
	}

	conditions := []models.Condition{
		trendCond,
		d.extremumCondition(side, snap),
		d.meanReversionCondition(side, snap),
		d.reversalCondition(side, candle),
		d.volumeCondition(candle, snap),
		d.macdCondition(side, snap),
		d.separationCondition(side, snap),
		d.rangeCondition(candle),
	}

	eval := Evaluation{Direction: direction, Conditions: conditions}
	for _, c := range conditions {
		if !c.Mandatory && c.Passed {
			eval.OptionalPassed++
		}
	}

	if !eval.MandatoryPassed() {
		return eval
	}

	eval.Signal = d.buildSignal(inst, candle, snap, direction, eval)
	return eval
}

func (d *Detector) trendCondition(snap models.IndicatorSnapshot) (models.OrderSide, models.Condition) {
	var direction models.OrderSide
	switch {
	case snap.Close > snap.TrendEMA:
		direction = models.OrderSideBuy
	case snap.Close < snap.TrendEMA:
		direction = models.OrderSideSell
	}

	var observed float64
	if snap.TrendEMA != 0 {
		observed = (snap.Close - snap.TrendEMA) / snap.TrendEMA
	}
	return direction, models.Condition{
		Name:      FilterTrend,
		Mandatory: true,
		Passed:    direction != "",
		Observed:  observed,
		Threshold: 0,
	}
}

func (d *Detector) extremumCondition(side models.OrderSide, snap models.IndicatorSnapshot) models.Condition {
	threshold := d.params.RSIOversold
	passed := snap.RSI < threshold
	if side == models.OrderSideSell {
		threshold = d.params.RSIOverbought
		passed = snap.RSI > threshold
	}
	return models.Condition{
		Name:      FilterExtremum,
		Mandatory: true,
		Passed:    passed,
		Observed:  snap.RSI,
		Threshold: threshold,
	}
}

func (d *Detector) meanReversionCondition(side models.OrderSide, snap models.IndicatorSnapshot) models.Condition {
	var observed float64
	if snap.VWAP != 0 {
		observed = (snap.Close - snap.VWAP) / snap.VWAP
	}

	var passed bool
	var threshold float64
	if side == models.OrderSideBuy {
		// Close dipped to or through the lower band.
		passed = snap.Close <= snap.VWAPLower
		if snap.VWAP != 0 {
			threshold = (snap.VWAPLower - snap.VWAP) / snap.VWAP
		}
	} else {
		passed = snap.Close >= snap.VWAPUpper
		if snap.VWAP != 0 {
			threshold = (snap.VWAPUpper - snap.VWAP) / snap.VWAP
		}
	}
	return models.Condition{
		Name:      FilterMeanReversion,
		Mandatory: true,
		Passed:    passed,
		Observed:  observed,
		Threshold: threshold,
	}
}

func (d *Detector) reversalCondition(side models.OrderSide, candle models.Candle) models.Condition {
	passed := candle.Bullish()
	if side == models.OrderSideSell {
		passed = candle.Bearish()
	}
	var observed float64
	if candle.Open != 0 {
		observed = (candle.Close - candle.Open) / candle.Open
	}
	return models.Condition{
		Name:      FilterReversal,
		Mandatory: true,
		Passed:    passed,
		Observed:  observed,
		Threshold: 0,
	}
}

func (d *Detector) volumeCondition(candle models.Candle, snap models.IndicatorSnapshot) models.Condition {
	var ratio float64
	if snap.MeanVolume > 0 {
		ratio = float64(candle.Volume) / snap.MeanVolume
	}
	return models.Condition{
		Name:      FilterVolume,
		Mandatory: false,
		Passed:    ratio >= d.params.VolumeMultiplier,
		Observed:  ratio,
		Threshold: d.params.VolumeMultiplier,
	}
}

func (d *Detector) macdCondition(side models.OrderSide, snap models.IndicatorSnapshot) models.Condition {
	passed := snap.MACD > snap.MACDSignal
	if side == models.OrderSideSell {
		passed = snap.MACD < snap.MACDSignal
	}
	return models.Condition{
		Name:      FilterMACD,
		Mandatory: false,
		Passed:    passed,
		Observed:  snap.MACDHist,
		Threshold: 0,
	}
}

func (d *Detector) separationCondition(side models.OrderSide, snap models.IndicatorSnapshot) models.Condition {
	threshold := d.params.MinSeparation
	passed := snap.Separation >= threshold
	if side == models.OrderSideSell {
		threshold = -d.params.MinSeparation
		passed = snap.Separation <= threshold
	}
	return models.Condition{
		Name:      FilterSeparation,
		Mandatory: false,
		Passed:    passed,
		Observed:  snap.Separation,
		Threshold: threshold,
	}
}

func (d *Detector) rangeCondition(candle models.Candle) models.Condition {
	return models.Condition{
		Name:      FilterRange,
		Mandatory: false,
		Passed:    candle.Range() >= d.params.MinRange,
		Observed:  candle.Range(),
		Threshold: d.params.MinRange,
	}
}

func (d *Detector) buildSignal(inst models.Instrument, candle models.Candle, snap models.IndicatorSnapshot, direction models.OrderSide, eval Evaluation) *models.Signal {
	entry := candle.Close

	var stop, target float64
	if direction == models.OrderSideBuy {
		stop = entry * (1 - d.params.StopPercent)
		target = entry * (1 + d.params.TargetPercent)
	} else {
		stop = entry * (1 + d.params.StopPercent)
		target = entry * (1 - d.params.TargetPercent)
	}
	stop = utils.RoundToTick(stop, inst.TickSize)
	target = utils.RoundToTick(target, inst.TickSize)

	strength := float64(eval.OptionalPassed) / float64(OptionalFilterCount)

	return &models.Signal{
		ID:         uuid.NewString(),
		Symbol:     inst.Symbol,
		Exchange:   inst.Exchange,
		Direction:  direction,
		Strength:   strength,
		Quality:    models.QualityFor(eval.OptionalPassed),
		Entry:      entry,
		StopLoss:   stop,
		Target:     target,
		Conditions: eval.Conditions,
		Reason:     d.reason(direction, snap, eval),
		CandleTS:   candle.Start,
		Revision:   snap.Revision,
		CreatedAt:  time.Now(),
	}
}

func (d *Detector) reason(direction models.OrderSide, snap models.IndicatorSnapshot, eval Evaluation) string {
	setup := "uptrend pullback"
	band := "lower"
	candleShape := "bullish"
	if direction == models.OrderSideSell {
		setup = "downtrend rally"
		band = "upper"
		candleShape = "bearish"
	}
	return fmt.Sprintf("%s: RSI %.1f at extremum, close at %s VWAP band, %s reversal candle (%d/%d boosters)",
		setup, snap.RSI, band, candleShape, eval.OptionalPassed, OptionalFilterCount)
}
