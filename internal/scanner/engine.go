// Package scanner owns the end-to-end scan pipeline: tick intake,
// per-instrument candle aggregation, throttled indicator evaluation,
// signal emission through the risk gate, and feed supervision with a
// poll fallback when streaming breaks.
//
// Ticks are hashed by instrument token onto a fixed set of workers.
// Each worker owns the candle series and throttle state of its
// instruments exclusively, so per-instrument ordering is total and the
// hot path takes no locks. The risk ledger is the only cross-instrument
// serialization point, and nothing on the tick path blocks on network
// I/O: dispatch runs on its own goroutine and audit writes are
// buffered.
package scanner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"zerodha-scanner/internal/broker"
	"zerodha-scanner/internal/candles"
	"zerodha-scanner/internal/config"
	apperrors "zerodha-scanner/internal/errors"
	"zerodha-scanner/internal/indicators"
	"zerodha-scanner/internal/logging"
	"zerodha-scanner/internal/market"
	"zerodha-scanner/internal/models"
	"zerodha-scanner/internal/risk"
	"zerodha-scanner/internal/store"
	"zerodha-scanner/internal/stream"
	"zerodha-scanner/internal/strategy"
)

const (
	// dispatchTimeout bounds one dispatch end to end: entry placement,
	// the ack poll and bracket legs. Generous next to the ack timeout so
	// a shutdown drains in-flight dispatches instead of aborting them.
	dispatchTimeout = 30 * time.Second

	auditBuffer       = 256
	auditWriteTimeout = 5 * time.Second
)

// Dispatcher is the execution surface the engine drives. The concrete
// implementation lives in internal/execution.
type Dispatcher interface {
	Start(ctx context.Context)
	Stop()
	Dispatch(ctx context.Context, signal *models.Signal, reservation *models.Reservation) error
	ObserveTick(tick models.Tick, sessionVWAP float64)
	ActiveCount() int
}

// Engine routes ticks to shard workers, supervises the feed and wires
// signals through audit, bus, risk gate and dispatcher.
type Engine struct {
	universe   []models.Instrument
	broker     broker.Broker
	feed       broker.Ticker
	dispatcher Dispatcher
	detector   *strategy.Detector
	snapshots  *indicators.Engine
	ledger     *risk.Ledger
	audit      store.AuditStore
	bus        *stream.Bus
	clock      *market.Clock
	cfg        config.ScannerConfig
	feedCfg    config.FeedConfig
	logger     zerolog.Logger

	now           func() time.Time
	superviseTick time.Duration

	workers []*worker
	states  map[uint32]*instrumentState
	poller  *poller

	accepting atomic.Bool

	mu          sync.Mutex
	running     bool
	stopped     bool
	sessionDate string

	feedMu    sync.RWMutex
	feedState models.FeedState
	feedSince time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	drainCh   chan struct{}
	stopCh    chan struct{}

	workerWG   sync.WaitGroup
	dispatchWG sync.WaitGroup
	auditWG    sync.WaitGroup
	bgWG       sync.WaitGroup

	auditCh chan auditJob

	received      atomic.Uint64
	gated         atomic.Uint64
	unknownTokens atomic.Uint64
	feedErrors    atomic.Uint64
	riskRejects   atomic.Uint64
	dispatched    atomic.Uint64
	auditDrops    atomic.Uint64
}

// NewEngine wires the scan pipeline. The universe is the resolved
// instrument set; each instrument is assigned to exactly one worker by
// token hash and keeps that assignment for the engine's lifetime.
func NewEngine(
	universe []models.Instrument,
	bk broker.Broker,
	feed broker.Ticker,
	dispatcher Dispatcher,
	detector *strategy.Detector,
	snapshots *indicators.Engine,
	ledger *risk.Ledger,
	audit store.AuditStore,
	bus *stream.Bus,
	clock *market.Clock,
	cfg config.ScannerConfig,
	feedCfg config.FeedConfig,
	logger zerolog.Logger,
) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}

	e := &Engine{
		universe:      universe,
		broker:        bk,
		feed:          feed,
		dispatcher:    dispatcher,
		detector:      detector,
		snapshots:     snapshots,
		ledger:        ledger,
		audit:         audit,
		bus:           bus,
		clock:         clock,
		cfg:           cfg,
		feedCfg:       feedCfg,
		logger:        logging.WithComponent(logger, "scanner"),
		now:           time.Now,
		superviseTick: time.Second,
		states:        make(map[uint32]*instrumentState, len(universe)),
		feedState:     models.FeedDisconnected,
		drainCh:       make(chan struct{}),
		stopCh:        make(chan struct{}),
		auditCh:       make(chan auditJob, auditBuffer),
	}

	e.workers = make([]*worker, cfg.Workers)
	for i := range e.workers {
		e.workers[i] = &worker{
			id:     i,
			engine: e,
			queue:  make(chan workItem, cfg.QueueSize),
			states: make(map[uint32]*instrumentState),
		}
	}
	for _, inst := range universe {
		state := &instrumentState{
			inst:   inst,
			series: candles.NewSeries(inst.Symbol, cfg.Interval, cfg.History),
		}
		e.states[inst.Token] = state
		e.shardFor(inst.Token).states[inst.Token] = state
	}

	e.poller = newPoller(e)
	return e
}

func (e *Engine) shardFor(token uint32) *worker {
	return e.workers[int(token)%len(e.workers)]
}

// Start resumes the session risk state, launches the workers and the
// dispatcher, kicks off the warm-up backfill and brings up the feed.
// It returns once the pipeline is accepting ticks; the feed connects
// in the background so a dead socket degrades to polling instead of
// blocking startup.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	if e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("engine cannot be restarted")
	}
	e.running = true
	e.mu.Unlock()

	e.runCtx, e.runCancel = context.WithCancel(ctx)

	e.restoreSession(e.runCtx)

	for _, w := range e.workers {
		e.workerWG.Add(1)
		go w.run()
	}

	e.dispatcher.Start(e.runCtx)

	e.auditWG.Add(1)
	go e.auditLoop()

	e.accepting.Store(true)

	e.bgWG.Add(1)
	go e.backfill(e.runCtx)

	e.feedMu.Lock()
	e.feedSince = e.now()
	e.feedMu.Unlock()

	e.feed.RegisterInstruments(e.universe)
	e.feed.OnTick(e.onTick)
	e.feed.OnStateChange(e.onFeedState)
	e.feed.OnError(e.onFeedError)

	e.bgWG.Add(1)
	go e.connectFeed(e.runCtx)

	e.bgWG.Add(1)
	go e.supervise(e.runCtx)

	e.logger.Info().
		Int("instruments", len(e.universe)).
		Int("workers", len(e.workers)).
		Dur("interval", e.cfg.Interval).
		Dur("throttle", e.cfg.Throttle).
		Msg("Scan engine started")
	return nil
}

// Stop shuts the pipeline down in order: intake first, then the
// poller, then the worker queues are drained, in-flight dispatches
// settle on their own budgets, the audit buffer is flushed, the bus
// closes and finally the feed is released. No evaluation starts after
// Stop begins.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.stopped = true
	e.mu.Unlock()

	e.accepting.Store(false)
	close(e.stopCh)
	e.runCancel()
	e.bgWG.Wait()
	// The supervisor is gone, so nothing can restart the poller now.
	e.poller.stop()

	close(e.drainCh)
	e.workerWG.Wait()

	e.dispatchWG.Wait()
	e.dispatcher.Stop()

	close(e.auditCh)
	e.auditWG.Wait()

	e.bus.Stop()

	if err := e.feed.Disconnect(); err != nil {
		e.logger.Warn().Err(err).Msg("Feed disconnect failed")
	}
	e.logger.Info().Msg("Scan engine stopped")
}

// restoreSession rebuilds the day's risk counters from the audit trail
// so a mid-session restart resumes with correct limits. Recovered open
// positions are reported, never adopted.
func (e *Engine) restoreSession(ctx context.Context) {
	date := e.clock.SessionDate(e.now())
	e.mu.Lock()
	e.sessionDate = date
	e.mu.Unlock()

	history, err := e.audit.RebuildRiskState(ctx, date)
	if err != nil {
		e.logger.Warn().Err(err).Str("session", date).
			Msg("Risk state rebuild failed; starting with fresh limits")
		e.ledger.ResetSession(date)
		return
	}

	e.ledger.Restore(date, history.TradesToday, history.SessionLoss)
	if history.TradesToday > 0 || history.SessionLoss > 0 {
		e.logger.Info().
			Str("session", date).
			Int("trades", history.TradesToday).
			Float64("session_loss", history.SessionLoss).
			Msg("Resumed session risk state from audit trail")
	}
	if history.OpenCount > 0 {
		e.logger.Warn().
			Int("open_positions", history.OpenCount).
			Msg("Previous run left open positions; square them off manually, the scanner does not adopt orphans")
	}
}

// onTick is the feed callback. It gates on session hours, stamps
// missing timestamps and routes the tick to its shard without
// blocking; a full queue drops the tick and counts it.
func (e *Engine) onTick(tick models.Tick) {
	e.received.Add(1)
	if !e.accepting.Load() {
		e.gated.Add(1)
		return
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = e.now()
	}
	if !e.clock.IsOpenAt(tick.Timestamp) {
		e.gated.Add(1)
		return
	}
	state, ok := e.states[tick.Token]
	if !ok {
		e.unknownTokens.Add(1)
		return
	}

	select {
	case e.shardFor(tick.Token).queue <- workItem{token: tick.Token, tick: tick}:
	default:
		state.dropped.Add(1)
	}
}

// enqueueSeed routes historical bars to the owning shard so the series
// is still touched by exactly one goroutine. Seeds ride the same queue
// as ticks, which keeps per-instrument ordering total.
func (e *Engine) enqueueSeed(token uint32, bars []models.Candle) {
	if !e.accepting.Load() {
		return
	}
	state, ok := e.states[token]
	if !ok {
		return
	}
	select {
	case e.shardFor(token).queue <- workItem{token: token, bars: bars}:
	default:
		state.dropped.Add(1)
	}
}

func (e *Engine) onFeedState(state models.FeedState, detail string) {
	e.feedMu.Lock()
	e.feedState = state
	e.feedSince = e.now()
	e.feedMu.Unlock()

	logging.LogFeedState(e.logger, string(state), detail)
	e.bus.Publish(models.NewFeedEvent(state, detail))

	if state == models.FeedStreaming {
		e.poller.stop()
	}
}

func (e *Engine) onFeedError(err error) {
	e.feedErrors.Add(1)
	e.logger.Warn().Err(err).Msg("Feed error")
}

func (e *Engine) connectFeed(ctx context.Context) {
	defer e.bgWG.Done()

	if err := e.feed.Connect(ctx); err != nil {
		terr := apperrors.NewTransportError("ticker", "connect failed", err)
		e.logger.Error().Err(terr).
			Msg("Feed connect failed; poll fallback covers until it recovers")
		return
	}
	if err := e.feed.Subscribe(e.tokens()); err != nil {
		e.logger.Error().Err(err).Msg("Feed subscribe failed")
	}
}

func (e *Engine) tokens() []uint32 {
	tokens := make([]uint32, 0, len(e.universe))
	for _, inst := range e.universe {
		tokens = append(tokens, inst.Token)
	}
	return tokens
}

// backfill seeds every series with recent history through the poller's
// rate-limited fetch path, so indicators are warm before the first
// live evaluation instead of sitting out MinHistory candles.
func (e *Engine) backfill(ctx context.Context) {
	defer e.bgWG.Done()

	if e.feedCfg.HistoryDays <= 0 {
		return
	}
	to := e.now()
	from := to.AddDate(0, 0, -e.feedCfg.HistoryDays)

	for _, inst := range e.universe {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}
		if err := e.poller.fetch(ctx, inst, from, to); err != nil {
			e.logger.Warn().Err(err).Str("symbol", inst.Symbol).
				Msg("Warm-up backfill failed")
		}
	}
	e.logger.Info().
		Int("instruments", len(e.universe)).
		Int("days", e.feedCfg.HistoryDays).
		Msg("Warm-up backfill complete")
}

// supervise owns the slow clock work: session rollover and the
// feed-down watchdog that engages the poll fallback.
func (e *Engine) supervise(ctx context.Context) {
	defer e.bgWG.Done()

	ticker := time.NewTicker(e.superviseTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			now := e.now()
			e.rolloverSession(now)
			e.superviseFeed(now)
		}
	}
}

// rolloverSession resets the ledger when a new trading date opens.
func (e *Engine) rolloverSession(now time.Time) {
	if !e.clock.IsOpenAt(now) {
		return
	}
	date := e.clock.SessionDate(now)

	e.mu.Lock()
	if date == e.sessionDate {
		e.mu.Unlock()
		return
	}
	e.sessionDate = date
	e.mu.Unlock()

	e.ledger.ResetSession(date)
	e.logger.Info().Str("session", date).Msg("New session; risk counters reset")
}

// superviseFeed engages the poll fallback once the feed has been off
// streaming past the configured threshold. The poller idles outside
// market hours regardless of feed state.
func (e *Engine) superviseFeed(now time.Time) {
	if !e.clock.IsOpenAt(now) {
		e.poller.stop()
		return
	}

	e.feedMu.RLock()
	state, since := e.feedState, e.feedSince
	e.feedMu.RUnlock()

	// Stop, not return: a supervisor iteration racing the STREAMING
	// transition can start the poller just after the handler stopped it,
	// and only the next iteration can undo that.
	if state == models.FeedStreaming {
		e.poller.stop()
		return
	}
	if now.Sub(since) >= e.feedCfg.PollAfter {
		e.poller.start(e.runCtx)
	}
}

// emit pushes one deduplicated signal through audit, bus, risk gate
// and, on a granted reservation, hands it to the dispatcher on its own
// goroutine. Called from the owning worker.
func (e *Engine) emit(state *instrumentState, signal *models.Signal) {
	logger := logging.WithSymbol(e.logger, signal.Symbol)
	logging.LogSignal(logger, signal.Symbol, string(signal.Direction), signal.Strength, signal.Entry)

	e.enqueueAudit(auditJob{signal: signal})
	e.bus.Publish(models.NewSignalEvent(signal))

	now := e.now()
	if e.clock.PastSquareOff(now) {
		// The dispatcher would only square it off again; the signal
		// stays on record but never becomes a position.
		logger.Info().Msg("Past square-off; signal not dispatched")
		return
	}

	reservation, err := e.ledger.Reserve(signal, state.inst)
	if err != nil {
		var riskErr *apperrors.RiskError
		if apperrors.As(err, &riskErr) {
			e.riskRejects.Add(1)
			logging.LogRiskReject(logger, signal.Symbol, riskErr.Rule, riskErr.Current, riskErr.Limit)
			e.enqueueAudit(auditJob{signal: signal, rejection: riskErr})
			return
		}
		logger.Error().Err(err).Msg("Risk gate failed")
		return
	}

	e.dispatched.Add(1)
	e.dispatchWG.Add(1)
	go func() {
		defer e.dispatchWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := e.dispatcher.Dispatch(ctx, signal, reservation); err != nil {
			logger.Error().Err(err).Msg("Dispatch failed")
		}
	}()
}

// auditJob is one buffered audit write: a signal row, or a risk
// rejection row when rejection is set.
type auditJob struct {
	signal    *models.Signal
	rejection *apperrors.RiskError
}

func (e *Engine) enqueueAudit(job auditJob) {
	select {
	case e.auditCh <- job:
	default:
		e.auditDrops.Add(1)
	}
}

func (e *Engine) auditLoop() {
	defer e.auditWG.Done()
	for job := range e.auditCh {
		e.writeAudit(job)
	}
}

func (e *Engine) writeAudit(job auditJob) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	date := e.clock.SessionDate(e.now())
	var err error
	if job.rejection != nil {
		err = e.audit.SaveRiskRejection(ctx, date, job.signal, job.rejection)
	} else {
		err = e.audit.SaveSignal(ctx, date, job.signal)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", job.signal.Symbol).Msg("Audit write failed")
	}
}

// InstrumentStats is one instrument's pipeline counters.
type InstrumentStats struct {
	Symbol        string
	Token         uint32
	Ticks         uint64
	Dropped       uint64
	BadTicks      uint64
	ClosedCandles uint64
	Seeded        uint64
	Evaluations   uint64
	Warmups       uint64
	Suppressed    uint64
	Signals       uint64
	Duplicates    uint64
}

// Stats is a point-in-time snapshot of the pipeline. Aggregates are
// sums over the per-instrument counters plus the intake-level ones;
// Evaluations counts evaluation attempts, of which Warmups sat out for
// insufficient history.
type Stats struct {
	SessionDate string
	FeedState   models.FeedState
	FeedErrors  uint64

	PollerActive bool
	PollSweeps   uint64
	PollFetches  uint64
	PollErrors   uint64
	PollBreaker  string

	Received      uint64
	Gated         uint64
	UnknownTokens uint64
	Dropped       uint64
	BadTicks      uint64
	ClosedCandles uint64
	Seeded        uint64
	Evaluations   uint64
	Warmups       uint64
	Suppressed    uint64
	Signals       uint64
	Duplicates    uint64

	RiskRejections uint64
	Dispatched     uint64
	AuditDrops     uint64
	OpenPositions  int

	Instruments []InstrumentStats
}

// Stats assembles per-instrument and aggregate counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	date := e.sessionDate
	e.mu.Unlock()

	e.feedMu.RLock()
	feedState := e.feedState
	e.feedMu.RUnlock()

	stats := Stats{
		SessionDate:    date,
		FeedState:      feedState,
		FeedErrors:     e.feedErrors.Load(),
		PollerActive:   e.poller.active(),
		PollSweeps:     e.poller.sweeps.Load(),
		PollFetches:    e.poller.fetches.Load(),
		PollErrors:     e.poller.errors.Load(),
		PollBreaker:    e.poller.breaker.State().String(),
		Received:       e.received.Load(),
		Gated:          e.gated.Load(),
		UnknownTokens:  e.unknownTokens.Load(),
		RiskRejections: e.riskRejects.Load(),
		Dispatched:     e.dispatched.Load(),
		AuditDrops:     e.auditDrops.Load(),
		OpenPositions:  e.dispatcher.ActiveCount(),
		Instruments:    make([]InstrumentStats, 0, len(e.universe)),
	}

	for _, inst := range e.universe {
		state := e.states[inst.Token]
		is := InstrumentStats{
			Symbol:        inst.Symbol,
			Token:         inst.Token,
			Ticks:         state.ticks.Load(),
			Dropped:       state.dropped.Load(),
			BadTicks:      state.badTicks.Load(),
			ClosedCandles: state.closedCandles.Load(),
			Seeded:        state.seeded.Load(),
			Evaluations:   state.evaluations.Load(),
			Warmups:       state.warmups.Load(),
			Suppressed:    state.suppressed.Load(),
			Signals:       state.signals.Load(),
			Duplicates:    state.duplicates.Load(),
		}
		stats.Dropped += is.Dropped
		stats.BadTicks += is.BadTicks
		stats.ClosedCandles += is.ClosedCandles
		stats.Seeded += is.Seeded
		stats.Evaluations += is.Evaluations
		stats.Warmups += is.Warmups
		stats.Suppressed += is.Suppressed
		stats.Signals += is.Signals
		stats.Duplicates += is.Duplicates
		stats.Instruments = append(stats.Instruments, is)
	}
	return stats
}
