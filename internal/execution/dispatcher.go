// Package execution owns the position lifecycle. The dispatcher turns
// an approved signal into a market entry, protects the fill with a
// stop-loss trigger and a target limit leg, and supervises the open
// position on every tick until one of the exit rules closes it. Every
// state transition is persisted to the audit store and published on
// the event bus.
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zerodha-scanner/internal/broker"
	"zerodha-scanner/internal/config"
	apperrors "zerodha-scanner/internal/errors"
	"zerodha-scanner/internal/logging"
	"zerodha-scanner/internal/market"
	"zerodha-scanner/internal/models"
	"zerodha-scanner/internal/risk"
	"zerodha-scanner/internal/store"
	"zerodha-scanner/internal/stream"
	"zerodha-scanner/pkg/utils"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	sweepInterval       = time.Second

	tagEntry  = "scan_entry"
	tagStop   = "leg_stop"
	tagTarget = "leg_target"
)

// supervised is one position under exit supervision.
type supervised struct {
	mu        sync.Mutex
	position  models.Position
	lastPrice float64
	closing   bool
}

// tickSink is implemented by brokers that simulate resting-order fills
// off the live tick stream (the paper broker).
type tickSink interface {
	ProcessTick(models.Tick)
}

// Dispatcher drives orders through the broker and supervises open
// positions. One instrument holds at most one supervised position at a
// time; the risk ledger's instrument-busy rule guarantees dispatches
// for the same symbol never overlap.
type Dispatcher struct {
	broker broker.Broker
	sink   tickSink
	ledger *risk.Ledger
	audit  store.AuditStore
	bus    *stream.Bus
	clock  *market.Clock
	cfg    config.ExecutionConfig
	logger zerolog.Logger

	product      models.ProductType
	pollInterval time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	active map[string]*supervised

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher wired to the broker, risk ledger,
// audit store and event bus.
func NewDispatcher(
	bk broker.Broker,
	ledger *risk.Ledger,
	audit store.AuditStore,
	bus *stream.Bus,
	clock *market.Clock,
	cfg config.ExecutionConfig,
	logger zerolog.Logger,
) *Dispatcher {
	d := &Dispatcher{
		broker:       bk,
		ledger:       ledger,
		audit:        audit,
		bus:          bus,
		clock:        clock,
		cfg:          cfg,
		logger:       logging.WithComponent(logger, "dispatcher"),
		product:      models.ProductMIS,
		pollInterval: defaultPollInterval,
		now:          time.Now,
		active:       make(map[string]*supervised),
		stopCh:       make(chan struct{}),
	}
	if sink, ok := bk.(tickSink); ok {
		d.sink = sink
	}
	return d
}

// Start launches the hold-timeout sweep. Positions on instruments that
// stop ticking would otherwise never hit the max-hold or square-off
// exits.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.sweepLoop(ctx)
	})
}

// Stop halts the sweep and waits for in-flight exits to settle.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Dispatch owns one signal's journey from reservation to open
// position. It places a market entry, waits for the broker to settle
// it, and on a fill commits the reservation and places both bracket
// legs before supervision begins. A rejected or unacknowledged entry
// releases the reservation and is never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, signal *models.Signal, reservation *models.Reservation) error {
	logger := logging.WithSymbol(d.logger, signal.Symbol)

	position := models.Position{
		ID:        uuid.NewString(),
		SignalID:  signal.ID,
		Symbol:    signal.Symbol,
		Exchange:  signal.Exchange,
		Direction: signal.Direction,
		Quantity:  reservation.Quantity,
		Entry:     signal.Entry,
		StopLoss:  signal.StopLoss,
		Target:    signal.Target,
		Status:    models.PositionPendingEntry,
	}

	d.mu.RLock()
	_, busy := d.active[position.Symbol]
	d.mu.RUnlock()
	if busy {
		d.releaseReservation(reservation.ID, logger)
		return apperrors.NewExecutionError("", position.Symbol, "entry", "instrument already supervised", nil)
	}

	d.auditTransition(&position, "entry pending")
	d.publish(position, "entry pending")

	result, err := d.broker.PlaceOrder(ctx, &models.Order{
		Symbol:   position.Symbol,
		Exchange: position.Exchange,
		Side:     position.Direction,
		Type:     models.OrderTypeMarket,
		Product:  d.product,
		Quantity: position.Quantity,
		Validity: "DAY",
		Tag:      tagEntry,
	})
	if err != nil {
		return d.rejectEntry(&position, reservation, "entry placement failed", err, logger)
	}
	position.EntryOrderID = result.OrderID
	logger = logging.WithOrderID(logger, result.OrderID)

	order, err := d.waitForOrder(ctx, result.OrderID, d.cfg.AckTimeout)
	if err != nil {
		d.cancelEntry(&position, logger)
		reason := "entry aborted"
		if apperrors.Is(err, apperrors.ErrAckTimeout) {
			reason = fmt.Sprintf("entry unacknowledged after %s", d.cfg.AckTimeout)
		}
		return d.rejectEntry(&position, reservation, reason, err, logger)
	}
	if order.Status != models.OrderFilled {
		reason := fmt.Sprintf("entry %s", strings.ToLower(string(order.Status)))
		if order.Message != "" {
			reason = fmt.Sprintf("%s: %s", reason, order.Message)
		}
		return d.rejectEntry(&position, reservation, reason, apperrors.ErrOrderRejected, logger)
	}

	position.Entry = order.AveragePrice
	if position.Entry <= 0 {
		position.Entry = signal.Entry
	}
	position.Status = models.PositionOpen
	position.OpenedAt = d.now()

	if err := d.ledger.Commit(reservation.ID, &position); err != nil {
		logger.Error().Err(err).Str("position_id", position.ID).
			Msg("Reservation commit failed after fill; manual square-off required")
		d.auditTransition(&position, fmt.Sprintf("commit failed: %v", err))
		return apperrors.NewExecutionError(order.ID, position.Symbol, "entry", "reservation commit failed", err)
	}
	d.auditTransition(&position, fmt.Sprintf("entry filled at %.2f", position.Entry))

	sup := &supervised{position: position, lastPrice: position.Entry}
	if err := d.placeBracketLegs(ctx, sup); err != nil {
		logger.Error().Err(err).Str("position_id", position.ID).
			Msg("Bracket placement failed; flattening position")
		sup.closing = true
		cctx, cancel := context.WithTimeout(context.Background(), d.exitBudget())
		d.closePosition(cctx, sup, models.CloseStop, sup.position.Entry)
		cancel()
		return err
	}

	d.adopt(sup)
	d.publish(sup.position, "brackets placed; supervising")
	logger.Info().
		Str("position_id", position.ID).
		Str("direction", string(position.Direction)).
		Int("quantity", position.Quantity).
		Float64("entry", position.Entry).
		Float64("stop", position.StopLoss).
		Float64("target", position.Target).
		Msg("Position opened")
	return nil
}

// ObserveTick feeds a tick to the supervised position on its
// instrument, if any. Paper brokers also receive the tick here so
// resting bracket legs fill against live prices. Exit rules are
// checked in priority order: reference return first, then a touched
// bracket level, then the hold timeout. The first rule to fire starts
// the close on its own goroutine; the tick path never blocks on the
// broker.
func (d *Dispatcher) ObserveTick(tick models.Tick, sessionVWAP float64) {
	if tick.LTP <= 0 {
		return
	}
	if d.sink != nil {
		d.sink.ProcessTick(tick)
	}
	d.mu.RLock()
	sup := d.active[tick.Symbol]
	d.mu.RUnlock()
	if sup == nil {
		return
	}

	sup.mu.Lock()
	if sup.closing || sup.position.Status != models.PositionOpen {
		sup.mu.Unlock()
		return
	}
	sup.lastPrice = tick.LTP
	reason, exit := d.exitReason(&sup.position, tick.LTP, sessionVWAP, d.now())
	if !exit {
		sup.mu.Unlock()
		return
	}
	sup.closing = true
	sup.mu.Unlock()

	d.beginClose(sup, reason, tick.LTP)
}

// exitReason decides whether the position should close at price.
func (d *Dispatcher) exitReason(pos *models.Position, price, sessionVWAP float64, now time.Time) (models.CloseReason, bool) {
	if pos.ProfitFraction(price) >= d.cfg.MinExitProfit &&
		utils.WithinBand(price, sessionVWAP, d.cfg.ReferenceBand) {
		return models.CloseReference, true
	}
	if pos.Direction == models.OrderSideBuy {
		if price >= pos.Target {
			return models.CloseTarget, true
		}
		if price <= pos.StopLoss {
			return models.CloseStop, true
		}
	} else {
		if price <= pos.Target {
			return models.CloseTarget, true
		}
		if price >= pos.StopLoss {
			return models.CloseStop, true
		}
	}
	if d.expired(pos, now) {
		return models.CloseTimeout, true
	}
	return "", false
}

func (d *Dispatcher) expired(pos *models.Position, now time.Time) bool {
	if d.cfg.MaxHold > 0 && now.Sub(pos.OpenedAt) >= d.cfg.MaxHold {
		return true
	}
	return d.clock.PastSquareOff(now)
}

// Active returns a snapshot of the supervised positions.
func (d *Dispatcher) Active() []models.Position {
	d.mu.RLock()
	sups := make([]*supervised, 0, len(d.active))
	for _, sup := range d.active {
		sups = append(sups, sup)
	}
	d.mu.RUnlock()

	positions := make([]models.Position, 0, len(sups))
	for _, sup := range sups {
		sup.mu.Lock()
		positions = append(positions, sup.position)
		sup.mu.Unlock()
	}
	return positions
}

// ActiveCount returns the number of supervised positions.
func (d *Dispatcher) ActiveCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.active)
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweepExpired(d.now())
		}
	}
}

// sweepExpired closes positions past max hold or square-off even when
// their instrument has stopped ticking.
func (d *Dispatcher) sweepExpired(now time.Time) {
	d.mu.RLock()
	sups := make([]*supervised, 0, len(d.active))
	for _, sup := range d.active {
		sups = append(sups, sup)
	}
	d.mu.RUnlock()

	for _, sup := range sups {
		sup.mu.Lock()
		if sup.closing || sup.position.Status != models.PositionOpen || !d.expired(&sup.position, now) {
			sup.mu.Unlock()
			continue
		}
		sup.closing = true
		refPrice := sup.lastPrice
		sup.mu.Unlock()

		d.beginClose(sup, models.CloseTimeout, refPrice)
	}
}

func (d *Dispatcher) beginClose(sup *supervised, reason models.CloseReason, refPrice float64) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Exits run to completion on their own budget even when the
		// scanner is shutting down.
		ctx, cancel := context.WithTimeout(context.Background(), d.exitBudget())
		defer cancel()
		d.closePosition(ctx, sup, reason, refPrice)
	}()
}

func (d *Dispatcher) exitBudget() time.Duration {
	return 3*d.cfg.AckTimeout + 10*time.Second
}

// closePosition walks a position from CLOSING to CLOSED. For a touched
// bracket level the broker-side leg is authoritative for the fill; for
// reference and timeout exits both legs are cancelled and a market
// order closes the position. A leg that filled during cancellation is
// treated as the real exit.
func (d *Dispatcher) closePosition(ctx context.Context, sup *supervised, reason models.CloseReason, refPrice float64) {
	sup.mu.Lock()
	if sup.position.Status == models.PositionClosed {
		sup.mu.Unlock()
		return
	}
	sup.position.Status = models.PositionClosing
	pos := sup.position
	sup.mu.Unlock()

	logger := logging.WithPositionID(logging.WithSymbol(d.logger, pos.Symbol), pos.ID)
	d.auditTransition(&pos, fmt.Sprintf("closing: %s", reason))
	d.publish(pos, fmt.Sprintf("closing: %s", reason))

	exitPrice, reason := d.settleExit(ctx, &pos, reason, logger)
	if exitPrice <= 0 {
		exitPrice = refPrice
	}
	if exitPrice <= 0 {
		exitPrice = pos.Entry
	}

	// Supervision ends before the ledger frees the instrument slot, so
	// a new position on the same symbol can never race the removal.
	d.remove(pos.Symbol)

	pnl, err := d.ledger.Close(pos.ID, exitPrice)
	if err != nil {
		logger.Error().Err(err).Msg("Ledger close failed")
	}

	now := d.now()
	sup.mu.Lock()
	sup.position.Status = models.PositionClosed
	sup.position.CloseReason = reason
	sup.position.ExitPrice = exitPrice
	sup.position.RealizedPnL = pnl
	sup.position.ClosedAt = now
	pos = sup.position
	sup.mu.Unlock()

	detail := fmt.Sprintf("closed %s at %.2f, pnl %.2f", reason, exitPrice, pnl)
	d.auditTransition(&pos, detail)
	d.publish(pos, detail)
	logger.Info().
		Str("reason", string(reason)).
		Float64("exit", exitPrice).
		Float64("pnl", pnl).
		Msg("Position closed")
}

// settleExit resolves the exit fill. It returns the fill price (zero
// when no fill could be obtained) and the effective close reason,
// which changes when a bracket leg turns out to have filled first.
func (d *Dispatcher) settleExit(ctx context.Context, pos *models.Position, reason models.CloseReason, logger zerolog.Logger) (float64, models.CloseReason) {
	touched := reason == models.CloseTarget || reason == models.CloseStop
	if !touched || pos.StopOrderID == "" || pos.TargetOrderID == "" {
		return d.flattenExit(ctx, pos, reason, logger)
	}

	legID, siblingID := pos.TargetOrderID, pos.StopOrderID
	if reason == models.CloseStop {
		legID, siblingID = pos.StopOrderID, pos.TargetOrderID
	}

	// Sibling first, so a fast market cannot fill both legs.
	if filled := d.cancelOrReap(ctx, siblingID, logger); filled != nil {
		d.cancelOrReap(ctx, legID, logger)
		return filled.AveragePrice, oppositeReason(reason)
	}

	order, err := d.waitForOrder(ctx, legID, d.cfg.AckTimeout)
	if err == nil && order.Status == models.OrderFilled {
		return order.AveragePrice, reason
	}
	if filled := d.cancelOrReap(ctx, legID, logger); filled != nil {
		return filled.AveragePrice, reason
	}
	return d.marketExit(ctx, pos, reason, logger), reason
}

// flattenExit cancels both bracket legs and closes at market. A leg
// that filled during cancellation is the real exit and overrides the
// close reason.
func (d *Dispatcher) flattenExit(ctx context.Context, pos *models.Position, reason models.CloseReason, logger zerolog.Logger) (float64, models.CloseReason) {
	if filled := d.cancelOrReap(ctx, pos.StopOrderID, logger); filled != nil {
		d.cancelOrReap(ctx, pos.TargetOrderID, logger)
		return filled.AveragePrice, models.CloseStop
	}
	if filled := d.cancelOrReap(ctx, pos.TargetOrderID, logger); filled != nil {
		return filled.AveragePrice, models.CloseTarget
	}
	return d.marketExit(ctx, pos, reason, logger), reason
}

// marketExit flattens the position at market. The order placement is
// retried; a position that still cannot be closed is reported for
// manual square-off and settles locally at the reference price.
func (d *Dispatcher) marketExit(ctx context.Context, pos *models.Position, reason models.CloseReason, logger zerolog.Logger) float64 {
	exit := &models.Order{
		Symbol:   pos.Symbol,
		Exchange: pos.Exchange,
		Side:     pos.Direction.Opposite(),
		Type:     models.OrderTypeMarket,
		Product:  d.product,
		Quantity: pos.Quantity,
		Validity: "DAY",
		Tag:      fmt.Sprintf("exit_%s", strings.ToLower(string(reason))),
	}

	retryCfg := utils.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
	result, err := utils.RetryWithResult(ctx, retryCfg, func() (*broker.OrderResult, error) {
		return d.broker.PlaceOrder(ctx, exit)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Exit order failed; manual square-off required")
		return 0
	}

	order, err := d.waitForOrder(ctx, result.OrderID, d.cfg.AckTimeout)
	if err != nil || order.Status != models.OrderFilled {
		logger.Error().Err(err).Str("order_id", result.OrderID).
			Msg("Exit order did not fill; manual square-off required")
		return 0
	}
	return order.AveragePrice
}

// placeBracketLegs protects a fresh fill with a stop-loss trigger and
// a target limit order, both for the full quantity.
func (d *Dispatcher) placeBracketLegs(ctx context.Context, sup *supervised) error {
	pos := &sup.position
	exitSide := pos.Direction.Opposite()

	stopResult, err := d.broker.PlaceOrder(ctx, &models.Order{
		Symbol:       pos.Symbol,
		Exchange:     pos.Exchange,
		Side:         exitSide,
		Type:         models.OrderTypeStopLossM,
		Product:      d.product,
		Quantity:     pos.Quantity,
		TriggerPrice: pos.StopLoss,
		Validity:     "DAY",
		Tag:          tagStop,
	})
	if err != nil {
		return apperrors.NewExecutionError("", pos.Symbol, "stop", "stop leg placement failed", err)
	}
	pos.StopOrderID = stopResult.OrderID

	targetResult, err := d.broker.PlaceOrder(ctx, &models.Order{
		Symbol:   pos.Symbol,
		Exchange: pos.Exchange,
		Side:     exitSide,
		Type:     models.OrderTypeLimit,
		Product:  d.product,
		Quantity: pos.Quantity,
		Price:    pos.Target,
		Validity: "DAY",
		Tag:      tagTarget,
	})
	if err != nil {
		return apperrors.NewExecutionError("", pos.Symbol, "target", "target leg placement failed", err)
	}
	pos.TargetOrderID = targetResult.OrderID
	return nil
}

// waitForOrder polls the broker until the order reaches a terminal
// status or the timeout elapses. Transient status errors keep the
// poll going; the last seen order is returned alongside any error.
func (d *Dispatcher) waitForOrder(ctx context.Context, orderID string, timeout time.Duration) (*models.Order, error) {
	var last *models.Order
	if order, err := d.broker.OrderStatus(ctx, orderID); err == nil {
		last = order
		if order.Status.Terminal() {
			return order, nil
		}
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, apperrors.ErrAckTimeout
		case <-ticker.C:
			order, err := d.broker.OrderStatus(ctx, orderID)
			if err != nil {
				d.logger.Debug().Err(err).Str("order_id", orderID).Msg("Order status poll failed")
				continue
			}
			last = order
			if order.Status.Terminal() {
				return order, nil
			}
		}
	}
}

// rejectEntry settles a failed entry: release the reservation, audit
// and publish the rejection, and surface an execution error. There is
// no retry; the signal is spent.
func (d *Dispatcher) rejectEntry(pos *models.Position, reservation *models.Reservation, reason string, cause error, logger zerolog.Logger) error {
	d.releaseReservation(reservation.ID, logger)

	execErr := apperrors.NewExecutionError(pos.EntryOrderID, pos.Symbol, "entry", reason, cause)
	logger.Error().Err(execErr).Str("position_id", pos.ID).Msg("Entry rejected")

	d.auditTransition(pos, reason)
	d.publish(*pos, reason)
	return execErr
}

func (d *Dispatcher) releaseReservation(reservationID string, logger zerolog.Logger) {
	if err := d.ledger.Release(reservationID); err != nil {
		logger.Error().Err(err).Str("reservation_id", reservationID).Msg("Reservation release failed")
	}
}

// cancelEntry cancels an unsettled entry order best-effort. An entry
// that filled during cancellation leaves an untracked broker position,
// so it is flattened immediately.
func (d *Dispatcher) cancelEntry(pos *models.Position, logger zerolog.Logger) {
	if pos.EntryOrderID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.AckTimeout)
	defer cancel()

	if err := d.broker.CancelOrder(ctx, pos.EntryOrderID); err == nil {
		return
	}
	order, err := d.broker.OrderStatus(ctx, pos.EntryOrderID)
	if err != nil || order.Status != models.OrderFilled {
		return
	}

	logger.Error().Msg("Entry filled after ack timeout; flattening")
	if _, err := d.broker.PlaceOrder(ctx, &models.Order{
		Symbol:   pos.Symbol,
		Exchange: pos.Exchange,
		Side:     pos.Direction.Opposite(),
		Type:     models.OrderTypeMarket,
		Product:  d.product,
		Quantity: pos.Quantity,
		Validity: "DAY",
		Tag:      "exit_orphan",
	}); err != nil {
		logger.Error().Err(err).Msg("Orphan flatten failed; manual square-off required")
	}
}

// cancelOrReap cancels a bracket leg. When the cancel fails because
// the leg just filled, the filled order is returned so the caller can
// treat it as the exit.
func (d *Dispatcher) cancelOrReap(ctx context.Context, orderID string, logger zerolog.Logger) *models.Order {
	if orderID == "" {
		return nil
	}
	if err := d.broker.CancelOrder(ctx, orderID); err == nil {
		return nil
	}
	order, err := d.broker.OrderStatus(ctx, orderID)
	if err != nil {
		logger.Debug().Err(err).Str("order_id", orderID).Msg("Leg status check failed")
		return nil
	}
	if order.Status == models.OrderFilled {
		return order
	}
	return nil
}

func (d *Dispatcher) adopt(sup *supervised) {
	d.mu.Lock()
	d.active[sup.position.Symbol] = sup
	d.mu.Unlock()
}

func (d *Dispatcher) remove(symbol string) {
	d.mu.Lock()
	delete(d.active, symbol)
	d.mu.Unlock()
}

// auditTransition persists one position transition. Audit writes use
// their own context so a cancelled dispatch cannot lose the trail.
func (d *Dispatcher) auditTransition(pos *models.Position, detail string) {
	session := d.clock.SessionDate(d.now())
	if err := d.audit.SavePositionEvent(context.Background(), session, pos, detail); err != nil {
		d.logger.Warn().Err(err).Str("position_id", pos.ID).Msg("Audit write failed")
	}
}

func (d *Dispatcher) publish(pos models.Position, detail string) {
	d.bus.Publish(models.NewPositionEvent(&pos, detail))
}

func oppositeReason(reason models.CloseReason) models.CloseReason {
	if reason == models.CloseTarget {
		return models.CloseStop
	}
	return models.CloseTarget
}
