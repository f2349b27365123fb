// Package candles maintains per-instrument OHLCV candle series
// aggregated from a live tick stream.
//
// A Series holds one open candle and a bounded history of closed
// candles. Closed candles are immutable: a tick whose bucket precedes
// the open candle is dropped and counted, never folded back in. A
// Series is not safe for concurrent use; the scan orchestrator
// guarantees a single writer per instrument.
package candles

import (
	"time"

	apperrors "zerodha-scanner/internal/errors"
	"zerodha-scanner/internal/models"
)

// Series aggregates ticks into candles for one instrument.
type Series struct {
	symbol   string
	interval time.Duration
	capacity int

	closed []models.Candle
	open   *models.Candle

	lateTicks uint64
	badTicks  uint64
}

// NewSeries creates an empty series. capacity bounds the closed-candle
// history; the oldest candle is evicted once it is exceeded.
func NewSeries(symbol string, interval time.Duration, capacity int) *Series {
	if capacity < 1 {
		capacity = 1
	}
	return &Series{
		symbol:   symbol,
		interval: interval,
		capacity: capacity,
		closed:   make([]models.Candle, 0, capacity),
	}
}

// Ingest folds one tick into the series and reports what changed.
//
// A tick with non-positive price or quantity is rejected with a
// data-quality error. A tick whose interval bucket precedes the open
// candle is dropped with ErrLateTick in the chain. Both bump drop
// counters and leave the series untouched.
func (s *Series) Ingest(tick models.Tick) (models.CandleUpdate, error) {
	if tick.LTP <= 0 {
		s.badTicks++
		return models.CandleUpdate{}, apperrors.NewDataError(s.symbol, "non-positive price", nil)
	}
	if tick.Quantity <= 0 {
		s.badTicks++
		return models.CandleUpdate{}, apperrors.NewDataError(s.symbol, "non-positive quantity", nil)
	}

	bucket := tick.Timestamp.Truncate(s.interval)

	if s.open == nil {
		s.open = newCandle(s.symbol, bucket, tick)
		return models.CandleUpdate{Symbol: s.symbol, Revision: s.open.Revision}, nil
	}

	switch {
	case bucket.Before(s.open.Start):
		s.lateTicks++
		return models.CandleUpdate{}, apperrors.NewDataError(s.symbol, "late tick", apperrors.ErrLateTick)

	case bucket.Equal(s.open.Start):
		s.fold(tick)
		return models.CandleUpdate{Symbol: s.symbol, Revision: s.open.Revision}, nil

	default:
		finished := *s.open
		s.appendClosed(finished)
		s.open = newCandle(s.symbol, bucket, tick)
		return models.CandleUpdate{Symbol: s.symbol, Revision: s.open.Revision, Closed: &finished}, nil
	}
}

func newCandle(symbol string, bucket time.Time, tick models.Tick) *models.Candle {
	return &models.Candle{
		Symbol:   symbol,
		Start:    bucket,
		Open:     tick.LTP,
		High:     tick.LTP,
		Low:      tick.LTP,
		Close:    tick.LTP,
		Volume:   tick.Quantity,
		Revision: 1,
	}
}

func (s *Series) fold(tick models.Tick) {
	if tick.LTP > s.open.High {
		s.open.High = tick.LTP
	}
	if tick.LTP < s.open.Low {
		s.open.Low = tick.LTP
	}
	s.open.Close = tick.LTP
	s.open.Volume += tick.Quantity
	s.open.Revision++
}

func (s *Series) appendClosed(c models.Candle) {
	s.closed = append(s.closed, c)
	if len(s.closed) > s.capacity {
		copy(s.closed, s.closed[1:])
		s.closed = s.closed[:s.capacity]
	}
}

// Seed bulk-loads closed candles, oldest first, from a historical
// fetch. Bars at or after the open candle's bucket are ignored (live
// data wins); bars for buckets already in history replace the stored
// candle. Returns the number of bars applied.
func (s *Series) Seed(bars []models.Candle) int {
	applied := 0
	for _, bar := range bars {
		if bar.Close <= 0 {
			continue
		}
		if s.open != nil && !bar.Start.Before(s.open.Start) {
			continue
		}
		bar.Symbol = s.symbol
		if bar.Revision == 0 {
			bar.Revision = 1
		}
		if s.replaceExisting(bar) {
			applied++
			continue
		}
		if n := len(s.closed); n > 0 && !bar.Start.After(s.closed[n-1].Start) {
			// Out-of-order bar that matched nothing; drop it.
			continue
		}
		s.appendClosed(bar)
		applied++
	}
	return applied
}

func (s *Series) replaceExisting(bar models.Candle) bool {
	for i := range s.closed {
		if s.closed[i].Start.Equal(bar.Start) {
			s.closed[i] = bar
			return true
		}
	}
	return false
}

// Closed returns a copy of the closed candles, oldest first.
func (s *Series) Closed() []models.Candle {
	out := make([]models.Candle, len(s.closed))
	copy(out, s.closed)
	return out
}

// Last returns up to n of the most recent closed candles, oldest
// first.
func (s *Series) Last(n int) []models.Candle {
	if n > len(s.closed) {
		n = len(s.closed)
	}
	out := make([]models.Candle, n)
	copy(out, s.closed[len(s.closed)-n:])
	return out
}

// LastClosed returns the most recent closed candle.
func (s *Series) LastClosed() (models.Candle, bool) {
	if len(s.closed) == 0 {
		return models.Candle{}, false
	}
	return s.closed[len(s.closed)-1], true
}

// Open returns a copy of the open candle, or false when no tick has
// arrived yet.
func (s *Series) Open() (models.Candle, bool) {
	if s.open == nil {
		return models.Candle{}, false
	}
	return *s.open, true
}

// Len returns the number of closed candles.
func (s *Series) Len() int {
	return len(s.closed)
}

// Interval returns the candle interval.
func (s *Series) Interval() time.Duration {
	return s.interval
}

// LateTicks returns the count of ticks dropped for preceding the open
// candle.
func (s *Series) LateTicks() uint64 {
	return s.lateTicks
}

// BadTicks returns the count of ticks rejected for bad data.
func (s *Series) BadTicks() uint64 {
	return s.badTicks
}
