package scanner

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-scanner/internal/broker"
	"zerodha-scanner/internal/models"
)

func TestFeedDownEngagesPollFallback(t *testing.T) {
	f := newFixture(t)
	f.broker.historical = func(req broker.HistoricalRequest) ([]models.Candle, error) {
		return flatCandles(req.From.Truncate(time.Minute), 5, 100), nil
	}
	f.start(t)

	// The feed never reaches STREAMING; age the downtime past the
	// threshold so the watchdog reacts.
	f.advance(100 * time.Millisecond)

	require.Eventually(t, func() bool {
		stats := f.engine.Stats()
		return stats.PollerActive && stats.PollFetches >= 2
	}, 2*time.Second, 10*time.Millisecond, "poll fallback should engage after the downtime threshold")

	require.Eventually(t, func() bool {
		return f.engine.Stats().Seeded >= 10
	}, 2*time.Second, 10*time.Millisecond, "polled candles should seed both instruments")

	reqs := f.broker.historicalRequests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, time.Minute, reqs[0].Interval)
	assert.Equal(t, models.NSE, reqs[0].Exchange)
	assert.False(t, reqs[0].From.Before(f.sessionStart()), "a sweep never reaches past the session start")

	// Streaming resumes; the poller stands down.
	f.engine.onFeedState(models.FeedStreaming, "resubscribed")
	require.Eventually(t, func() bool {
		return !f.engine.Stats().PollerActive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	f.broker.historical = func(req broker.HistoricalRequest) ([]models.Candle, error) {
		return nil, errors.New("rate limited")
	}
	f.start(t)

	f.advance(100 * time.Millisecond)

	require.Eventually(t, func() bool {
		return f.engine.Stats().PollBreaker == "open"
	}, 2*time.Second, 10*time.Millisecond, "five consecutive failures should open the circuit")

	stats := f.engine.Stats()
	assert.Equal(t, uint64(5), stats.PollErrors, "the open circuit stops counting new failures")
	assert.Zero(t, stats.PollFetches)
	assert.Zero(t, stats.Seeded)
}

func TestPollerStandsDownWhenSessionCloses(t *testing.T) {
	f := newFixture(t)
	f.broker.historical = func(req broker.HistoricalRequest) ([]models.Candle, error) {
		return nil, nil
	}
	f.start(t)

	f.advance(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return f.engine.Stats().PollerActive
	}, 2*time.Second, 10*time.Millisecond)

	// Past the close there is nothing worth polling.
	f.setNow(time.Date(2024, 6, 3, 16, 0, 0, 0, f.clock.Location()))
	require.Eventually(t, func() bool {
		return !f.engine.Stats().PollerActive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackfillWarmsSeriesBeforeFirstTick(t *testing.T) {
	f := newFixture(t)
	f.engine.feedCfg.HistoryDays = 2
	f.broker.historical = func(req broker.HistoricalRequest) ([]models.Candle, error) {
		return flatCandles(f.sessionStart(), 35, 100), nil
	}
	f.start(t)

	require.Eventually(t, func() bool {
		return f.engine.Stats().Seeded == 70
	}, 2*time.Second, 10*time.Millisecond, "both instruments should warm up from history")

	reqs := f.broker.historicalRequests()
	require.Len(t, reqs, 2)
	symbols := []string{reqs[0].Symbol, reqs[1].Symbol}
	assert.ElementsMatch(t, []string{"RELIANCE", "TCS"}, symbols)
	assert.True(t, reqs[0].From.Before(f.sessionStart()), "backfill reaches into previous sessions")

	// Warm instruments evaluate on the first live rollover instead of
	// sitting out the warm-up.
	for _, token := range []uint32{relianceToken, tcsToken} {
		assert.Equal(t, 35, f.engine.states[token].series.Len())
	}
}

func TestFeedConnectFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.ticker.connectErr = errors.New("connection refused")
	f.start(t)

	f.engine.onTick(tickAt(relianceToken, "RELIANCE", f.clockNow(), 2850))
	f.engine.Stop()

	assert.Equal(t, uint64(1), f.engine.states[relianceToken].ticks.Load(),
		"the pipeline accepts ticks even when the socket never came up")
}
