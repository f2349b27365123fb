// Package risk implements the risk gate and position sizer. A single
// Ledger owns the session risk state and the open-position table behind
// one mutex; it is the only serialization point shared across
// instruments. Reservations count against headroom the moment they are
// created, so concurrent signals can never oversubscribe the limits.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"zerodha-scanner/internal/config"
	apperrors "zerodha-scanner/internal/errors"
	"zerodha-scanner/internal/models"
	"zerodha-scanner/pkg/utils"
)

// Rule names carried on risk rejections.
const (
	RuleMaxOpenPositions = "max_open_positions"
	RuleMaxTradesPerDay  = "max_trades_per_day"
	RuleDailyLossLimit   = "daily_loss_limit"
	RuleInstrumentBusy   = "instrument_busy"
	RuleZeroQuantity     = "zero_quantity"
)

// State is a consistent copy of the ledger's session risk state.
type State struct {
	SessionDate        string
	Capital            float64
	TradesToday        int
	SessionLoss        float64
	OpenPositions      int
	ActiveReservations int
	Positions          []models.Position
	Reservations       []models.Reservation
}

// Ledger gates signals against the session risk limits and sizes the
// approved ones. All methods are safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	capital          float64
	riskPerTrade     float64
	maxOpenPositions int
	maxTradesPerDay  int
	maxDailyLoss     float64 // fraction of capital

	sessionDate  string
	tradesToday  int
	sessionLoss  float64 // realized losses only, never reduced by profits
	reservations map[string]*models.Reservation
	positions    map[string]*models.Position
	busy         map[string]struct{} // symbols with an open position or active reservation
}

// NewLedger creates a ledger from the risk configuration.
func NewLedger(cfg config.RiskConfig) *Ledger {
	return &Ledger{
		capital:          cfg.Capital,
		riskPerTrade:     cfg.RiskPerTrade,
		maxOpenPositions: cfg.MaxOpenPositions,
		maxTradesPerDay:  cfg.MaxTradesPerDay,
		maxDailyLoss:     cfg.MaxDailyLoss,
		reservations:     make(map[string]*models.Reservation),
		positions:        make(map[string]*models.Position),
		busy:             make(map[string]struct{}),
	}
}

// Reserve gates the signal against every risk rule and, when all pass,
// sizes the trade and sets headroom aside atomically. The reservation
// counts against the open-position limit immediately; it must end in
// exactly one of Commit or Release.
func (l *Ledger) Reserve(signal *models.Signal, inst models.Instrument) (*models.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOpenPositions(); err != nil {
		return nil, err
	}
	if err := l.checkTradesPerDay(); err != nil {
		return nil, err
	}
	if err := l.checkDailyLoss(); err != nil {
		return nil, err
	}
	if err := l.checkInstrumentFree(signal.Symbol); err != nil {
		return nil, err
	}

	quantity := l.sizeQuantity(signal, inst.LotSize)
	if quantity <= 0 {
		return nil, apperrors.NewRiskError(RuleZeroQuantity, 0, float64(inst.LotSize),
			fmt.Sprintf("%s risk budget too small for stop distance %.2f", signal.Symbol, signal.StopDistance()))
	}

	reservation := &models.Reservation{
		ID:        uuid.NewString(),
		SignalID:  signal.ID,
		Symbol:    signal.Symbol,
		Exchange:  signal.Exchange,
		Direction: signal.Direction,
		Quantity:  quantity,
		CreatedAt: time.Now(),
	}
	l.reservations[reservation.ID] = reservation
	l.busy[reservation.Symbol] = struct{}{}

	granted := *reservation
	return &granted, nil
}

// Commit converts a reservation into an open position after the entry
// filled. The trades-today counter increments here, not at Reserve, so
// failed entries never consume the daily budget.
func (l *Ledger) Commit(reservationID string, position *models.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reservation, ok := l.reservations[reservationID]
	if !ok {
		return fmt.Errorf("commit %s: %w", reservationID, apperrors.ErrReservationNotFound)
	}
	if position.Symbol != reservation.Symbol {
		return fmt.Errorf("commit %s: position symbol %s does not match reservation %s",
			reservationID, position.Symbol, reservation.Symbol)
	}

	delete(l.reservations, reservationID)
	stored := *position
	l.positions[stored.ID] = &stored
	l.tradesToday++
	return nil
}

// Release abandons a reservation and returns its headroom. Used when
// the entry was rejected or timed out.
func (l *Ledger) Release(reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reservation, ok := l.reservations[reservationID]
	if !ok {
		return fmt.Errorf("release %s: %w", reservationID, apperrors.ErrReservationNotFound)
	}
	delete(l.reservations, reservationID)
	delete(l.busy, reservation.Symbol)
	return nil
}

// Close removes a position from the table and returns the realized
// PnL. Losses (only) accumulate into the session loss total; profits
// never reduce it.
func (l *Ledger) Close(positionID string, exitPrice float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	position, ok := l.positions[positionID]
	if !ok {
		return 0, fmt.Errorf("close %s: %w", positionID, apperrors.ErrPositionNotFound)
	}

	pnl := position.PnLAt(exitPrice)
	delete(l.positions, positionID)
	delete(l.busy, position.Symbol)
	if pnl < 0 {
		l.sessionLoss += -pnl
	}
	return pnl, nil
}

// ResetSession clears the daily counters for a new trading date.
// Capital and any still-open positions are retained.
func (l *Ledger) ResetSession(date string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sessionDate == date {
		return
	}
	l.sessionDate = date
	l.tradesToday = 0
	l.sessionLoss = 0
}

// Restore seeds the daily counters from persisted history, so a
// restart mid-session resumes the limits instead of resetting them.
func (l *Ledger) Restore(date string, tradesToday int, sessionLoss float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sessionDate = date
	l.tradesToday = tradesToday
	l.sessionLoss = sessionLoss
}

// Snapshot returns a consistent copy of the risk state.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := State{
		SessionDate:        l.sessionDate,
		Capital:            l.capital,
		TradesToday:        l.tradesToday,
		SessionLoss:        l.sessionLoss,
		OpenPositions:      len(l.positions),
		ActiveReservations: len(l.reservations),
		Positions:          make([]models.Position, 0, len(l.positions)),
		Reservations:       make([]models.Reservation, 0, len(l.reservations)),
	}
	for _, p := range l.positions {
		state.Positions = append(state.Positions, *p)
	}
	for _, r := range l.reservations {
		state.Reservations = append(state.Reservations, *r)
	}
	return state
}

// sizeQuantity computes the trade size from the risk budget and the
// stop distance, floored to lot granularity. Callers hold the lock.
func (l *Ledger) sizeQuantity(signal *models.Signal, lotSize int) int {
	distance := signal.StopDistance()
	if distance <= 0 {
		return 0
	}
	quantity := int((l.capital * l.riskPerTrade) / distance)
	return utils.FloorToLot(quantity, lotSize)
}

func (l *Ledger) checkOpenPositions() error {
	inUse := len(l.positions) + len(l.reservations)
	if inUse >= l.maxOpenPositions {
		return apperrors.NewRiskError(RuleMaxOpenPositions, float64(inUse), float64(l.maxOpenPositions),
			"open positions and reservations at limit")
	}
	return nil
}

func (l *Ledger) checkTradesPerDay() error {
	if l.tradesToday >= l.maxTradesPerDay {
		return apperrors.NewRiskError(RuleMaxTradesPerDay, float64(l.tradesToday), float64(l.maxTradesPerDay),
			"daily trade budget exhausted")
	}
	return nil
}

func (l *Ledger) checkDailyLoss() error {
	limit := l.maxDailyLoss * l.capital
	if l.sessionLoss >= limit {
		return apperrors.NewRiskError(RuleDailyLossLimit, l.sessionLoss, limit,
			"session loss at or past the daily limit")
	}
	return nil
}

func (l *Ledger) checkInstrumentFree(symbol string) error {
	if _, taken := l.busy[symbol]; taken {
		return apperrors.NewRiskError(RuleInstrumentBusy, 1, 1,
			fmt.Sprintf("%s already has an open position or reservation", symbol))
	}
	return nil
}
