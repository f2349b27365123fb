// Package indicators computes the indicator snapshot the strategy
// reads: trend and fast EMAs, RSI, session VWAP with deviation bands,
// MACD and mean volume.
//
// Computation is a pure function of the candle series and the session
// start: identical inputs always produce identical snapshots. When
// history is shorter than the longest warm-up the whole snapshot fails
// with ErrInsufficientHistory; a partially filled snapshot is never
// returned.
package indicators

import (
	"fmt"
	"time"

	apperrors "zerodha-scanner/internal/errors"
	"zerodha-scanner/internal/models"
)

// Params holds the indicator periods and band width.
type Params struct {
	TrendPeriod  int
	FastPeriod   int
	RSIPeriod    int
	VolumePeriod int
	MACDFast     int
	MACDSlow     int
	MACDSignal   int
	VWAPBand     float64 // deviation band as a fraction of VWAP
}

// DefaultParams returns the standard intraday parameter set.
func DefaultParams() Params {
	return Params{
		TrendPeriod:  50,
		FastPeriod:   20,
		RSIPeriod:    14,
		VolumePeriod: 20,
		MACDFast:     12,
		MACDSlow:     26,
		MACDSignal:   9,
		VWAPBand:     0.002,
	}
}

// Validate checks the parameter set.
func (p Params) Validate() error {
	if p.TrendPeriod <= 0 || p.FastPeriod <= 0 || p.RSIPeriod <= 0 || p.VolumePeriod <= 0 {
		return ErrInvalidPeriod
	}
	if p.MACDFast <= 0 || p.MACDSignal <= 0 || p.MACDFast >= p.MACDSlow {
		return ErrInvalidPeriod
	}
	if p.FastPeriod >= p.TrendPeriod {
		return ErrInvalidPeriod
	}
	return nil
}

// MinHistory returns the closed-candle count needed before a snapshot
// can be computed: the longest warm-up among the configured
// indicators.
func (p Params) MinHistory() int {
	need := p.TrendPeriod
	if m := p.MACDSlow + p.MACDSignal - 1; m > need {
		need = m
	}
	if m := p.RSIPeriod + 1; m > need {
		need = m
	}
	if p.VolumePeriod > need {
		need = p.VolumePeriod
	}
	return need
}

// Engine computes indicator snapshots for one parameter set.
type Engine struct {
	params Params
}

// NewEngine creates a snapshot engine.
func NewEngine(params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{params: params}, nil
}

// Params returns the engine's parameter set.
func (e *Engine) Params() Params {
	return e.params
}

// Snapshot computes the full indicator set over the closed candles
// plus, when present, the open candle's latest close. The moving
// recurrences include the open candle; volume statistics use closed
// candles only, so a partially formed candle never dilutes them. VWAP
// accumulates over candles of the current session only.
//
// The snapshot is stamped with the last closed candle's interval start
// (the candle the strategy evaluates) and the revision of the newest
// candle folded in.
func (e *Engine) Snapshot(closed []models.Candle, open *models.Candle, sessionStart time.Time) (models.IndicatorSnapshot, error) {
	p := e.params

	if len(closed) < p.MinHistory() {
		return models.IndicatorSnapshot{}, fmt.Errorf(
			"snapshot: %w: have %d closed candles, need %d",
			apperrors.ErrInsufficientHistory, len(closed), p.MinHistory())
	}

	evaluated := closed[len(closed)-1]

	working := closed
	if open != nil {
		working = make([]models.Candle, 0, len(closed)+1)
		working = append(working, closed...)
		working = append(working, *open)
	}
	closes := closePrices(working)

	trendEMA, ok := LastEMA(closes, p.TrendPeriod)
	if !ok {
		return models.IndicatorSnapshot{}, fmt.Errorf("snapshot trend ema: %w", apperrors.ErrInsufficientHistory)
	}
	fastEMA, ok := LastEMA(closes, p.FastPeriod)
	if !ok {
		return models.IndicatorSnapshot{}, fmt.Errorf("snapshot fast ema: %w", apperrors.ErrInsufficientHistory)
	}

	var separation float64
	if trendEMA != 0 {
		separation = (fastEMA - trendEMA) / trendEMA
	}

	rsiSeries := CalculateRSI(closes, p.RSIPeriod)
	if rsiSeries == nil {
		return models.IndicatorSnapshot{}, fmt.Errorf("snapshot rsi: %w", apperrors.ErrInsufficientHistory)
	}
	rsi := rsiSeries[len(rsiSeries)-1]

	macdLine, signalLine, histogram := CalculateMACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	if macdLine == nil {
		return models.IndicatorSnapshot{}, fmt.Errorf("snapshot macd: %w", apperrors.ErrInsufficientHistory)
	}

	vwap, ok := SessionVWAP(working, sessionStart)
	if !ok {
		return models.IndicatorSnapshot{}, fmt.Errorf(
			"snapshot vwap: %w: no session volume", apperrors.ErrInsufficientHistory)
	}

	meanVol, ok := MeanVolume(closed, p.VolumePeriod)
	if !ok {
		return models.IndicatorSnapshot{}, fmt.Errorf("snapshot volume: %w", apperrors.ErrInsufficientHistory)
	}

	revision := evaluated.Revision
	if open != nil {
		revision = open.Revision
	}

	return models.IndicatorSnapshot{
		Symbol:     evaluated.Symbol,
		Start:      evaluated.Start,
		Revision:   revision,
		Close:      evaluated.Close,
		Volume:     evaluated.Volume,
		TrendEMA:   trendEMA,
		FastEMA:    fastEMA,
		Separation: separation,
		RSI:        rsi,
		VWAP:       vwap,
		VWAPUpper:  vwap * (1 + p.VWAPBand),
		VWAPLower:  vwap * (1 - p.VWAPBand),
		MACD:       macdLine[len(macdLine)-1],
		MACDSignal: signalLine[len(signalLine)-1],
		MACDHist:   histogram[len(histogram)-1],
		MeanVolume: meanVol,
	}, nil
}
