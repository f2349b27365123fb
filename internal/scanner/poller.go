package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"zerodha-scanner/internal/broker"
	"zerodha-scanner/internal/logging"
	"zerodha-scanner/internal/models"
)

// pollLookbackBars bounds how far back one sweep reaches. A sweep only
// repairs the recent gap at candle granularity; the startup backfill
// owns deep history.
const pollLookbackBars = 10

// poller is the degraded data path: when streaming is down past the
// threshold it fetches recent candles per instrument over the
// historical API, rate-limited by a limiter shared with the warm-up
// backfill and guarded by a circuit breaker, and seeds them into the
// owning shards. The same evaluation path runs on the seeded bars.
type poller struct {
	engine  *Engine
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sweeps  atomic.Uint64
	fetches atomic.Uint64
	errors  atomic.Uint64
}

func newPoller(e *Engine) *poller {
	settings := gobreaker.Settings{Name: "historical-poll"}
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	settings.Timeout = 30 * time.Second

	return &poller{
		engine:  e,
		limiter: rate.NewLimiter(rate.Limit(e.feedCfg.PollRate), 1),
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logging.WithComponent(e.logger, "poller"),
	}
}

// start launches the sweep loop; repeated calls while running are
// no-ops.
func (p *poller) start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	p.running = true
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Warn().Dur("interval", p.engine.feedCfg.PollInterval).
		Msg("Feed down; polling historical candles")
}

// stop halts the sweep loop and waits for an in-flight sweep to
// return. Safe to call when the poller is idle.
func (p *poller) stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info().Msg("Poll fallback stopped")
}

func (p *poller) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *poller) run(ctx context.Context) {
	defer p.wg.Done()

	p.sweep(ctx)

	ticker := time.NewTicker(p.engine.feedCfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep fetches the recent window for every instrument. An open
// circuit abandons the rest of the sweep; the next one probes again.
func (p *poller) sweep(ctx context.Context) {
	p.sweeps.Add(1)

	now := p.engine.now()
	from := p.engine.clock.SessionStartAt(now)
	if lb := now.Add(-pollLookbackBars * p.engine.cfg.Interval); lb.After(from) {
		from = lb
	}

	for _, inst := range p.engine.universe {
		if ctx.Err() != nil {
			return
		}
		if err := p.fetch(ctx, inst, from, now); err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				p.logger.Warn().Msg("Historical API circuit open; abandoning sweep")
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			p.errors.Add(1)
			p.logger.Debug().Err(err).Str("symbol", inst.Symbol).Msg("Poll fetch failed")
		}
	}
}

// fetch pulls one instrument's candles through the shared limiter and
// the breaker, then hands them to the owning shard. The backfill path
// reuses it with a wider window.
func (p *poller) fetch(ctx context.Context, inst models.Instrument, from, to time.Time) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.engine.broker.GetHistorical(ctx, broker.HistoricalRequest{
			Symbol:   inst.Symbol,
			Exchange: inst.Exchange,
			Interval: p.engine.cfg.Interval,
			From:     from,
			To:       to,
		})
	})
	if err != nil {
		return err
	}

	bars := result.([]models.Candle)
	if len(bars) == 0 {
		return nil
	}
	p.fetches.Add(1)
	p.engine.enqueueSeed(inst.Token, bars)
	return nil
}
