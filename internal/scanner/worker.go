package scanner

import (
	"sync/atomic"
	"time"

	"zerodha-scanner/internal/candles"
	"zerodha-scanner/internal/models"
)

// instrumentState carries one instrument's series and pipeline state.
// The series, throttle timestamp, dedupe bucket and VWAP cache belong
// to the owning worker alone; the counters are atomic so Stats can
// read them from any goroutine.
type instrumentState struct {
	inst   models.Instrument
	series *candles.Series

	lastEval     time.Time // throttle anchor
	lastSignalTS time.Time // bucket of the last emitted signal
	lastVWAP     float64   // feeds exit supervision between evaluations

	ticks         atomic.Uint64
	dropped       atomic.Uint64
	badTicks      atomic.Uint64
	closedCandles atomic.Uint64
	seeded        atomic.Uint64
	evaluations   atomic.Uint64
	warmups       atomic.Uint64
	suppressed    atomic.Uint64
	signals       atomic.Uint64
	duplicates    atomic.Uint64
}

// workItem is one unit of shard work: a live tick, or a batch of
// historical bars from the backfill or the poll fallback when bars is
// non-nil. Both kinds ride the same queue so per-instrument ordering
// stays total.
type workItem struct {
	token uint32
	tick  models.Tick
	bars  []models.Candle
}

// worker owns the instruments hashed onto its shard. It is the only
// goroutine that touches their series and throttle state.
type worker struct {
	id     int
	engine *Engine
	queue  chan workItem
	states map[uint32]*instrumentState
}

// run consumes the shard queue until the engine drains it at shutdown.
// Items already queued when the drain begins are still processed.
func (w *worker) run() {
	defer w.engine.workerWG.Done()
	for {
		select {
		case <-w.engine.drainCh:
			w.drain()
			return
		case item := <-w.queue:
			w.handle(item)
		}
	}
}

func (w *worker) drain() {
	for {
		select {
		case item := <-w.queue:
			w.handle(item)
		default:
			return
		}
	}
}

func (w *worker) handle(item workItem) {
	state, ok := w.states[item.token]
	if !ok {
		w.engine.unknownTokens.Add(1)
		return
	}
	if item.bars != nil {
		w.seed(state, item.bars)
		return
	}
	w.processTick(state, item.tick)
}

// processTick folds the tick into the series, feeds exit supervision,
// and evaluates when the throttle allows it. A closed-candle rollover
// always evaluates and resets the throttle.
func (w *worker) processTick(state *instrumentState, tick models.Tick) {
	state.ticks.Add(1)

	update, err := state.series.Ingest(tick)
	if err != nil {
		state.badTicks.Add(1)
		return
	}

	// Open positions see every accepted tick, throttled or not.
	w.engine.dispatcher.ObserveTick(tick, state.lastVWAP)

	if update.Closed != nil {
		state.closedCandles.Add(1)
	}

	now := w.engine.now()
	if update.Closed == nil && now.Sub(state.lastEval) < w.engine.cfg.Throttle {
		state.suppressed.Add(1)
		return
	}
	state.lastEval = now
	w.evaluate(state, now)
}

// seed applies historical bars and, when anything changed, runs the
// same evaluation path a live rollover would.
func (w *worker) seed(state *instrumentState, bars []models.Candle) {
	applied := state.series.Seed(bars)
	if applied == 0 {
		return
	}
	state.seeded.Add(uint64(applied))

	now := w.engine.now()
	state.lastEval = now
	w.evaluate(state, now)
}

// evaluate snapshots the indicators over the series and judges the
// latest closed candle. At most one signal leaves per instrument per
// closed candle; repeats for the same bucket are counted and dropped.
func (w *worker) evaluate(state *instrumentState, now time.Time) {
	state.evaluations.Add(1)

	candle, ok := state.series.LastClosed()
	if !ok {
		state.warmups.Add(1)
		return
	}

	var open *models.Candle
	if oc, hasOpen := state.series.Open(); hasOpen {
		open = &oc
	}

	snap, err := w.engine.snapshots.Snapshot(state.series.Closed(), open, w.engine.clock.SessionStartAt(now))
	if err != nil {
		// Warm-up not met; the instrument sits out this cycle.
		state.warmups.Add(1)
		return
	}
	state.lastVWAP = snap.VWAP

	eval := w.engine.detector.Evaluate(state.inst, candle, snap)
	if eval.Signal == nil {
		return
	}
	if state.lastSignalTS.Equal(eval.Signal.CandleTS) {
		state.duplicates.Add(1)
		return
	}
	state.lastSignalTS = eval.Signal.CandleTS
	state.signals.Add(1)

	w.engine.emit(state, eval.Signal)
}
