// Package store persists the scanner's append-only decision trail:
// every signal, every risk rejection and every position transition,
// keyed by trading session so a restart can resume the day's limits.
package store

import (
	"context"
	"time"

	apperrors "zerodha-scanner/internal/errors"
	"zerodha-scanner/internal/models"
)

// AuditStore defines the interface for the decision trail.
type AuditStore interface {
	// Signals
	SaveSignal(ctx context.Context, sessionDate string, signal *models.Signal) error
	GetSignals(ctx context.Context, filter SignalFilter) ([]models.Signal, error)

	// Risk rejections
	SaveRiskRejection(ctx context.Context, sessionDate string, signal *models.Signal, reject *apperrors.RiskError) error

	// Position transitions
	SavePositionEvent(ctx context.Context, sessionDate string, position *models.Position, detail string) error
	GetPositionEvents(ctx context.Context, filter PositionEventFilter) ([]PositionEvent, error)

	// Session resume and reporting
	RebuildRiskState(ctx context.Context, sessionDate string) (RiskHistory, error)
	SessionSummary(ctx context.Context, sessionDate string) (*Summary, error)

	// Lifecycle
	Close() error
}

// SignalFilter represents filters for querying signals.
type SignalFilter struct {
	SessionDate string
	Symbol      string
	Quality     models.SignalQuality
	Limit       int
}

// PositionEventFilter represents filters for querying position
// transitions.
type PositionEventFilter struct {
	SessionDate string
	PositionID  string
	Symbol      string
	Status      models.PositionStatus
	Limit       int
}

// PositionEvent is one persisted position transition.
type PositionEvent struct {
	PositionID    string
	SignalID      string
	SessionDate   string
	Symbol        string
	Direction     models.OrderSide
	Quantity      int
	Status        models.PositionStatus
	Detail        string
	Entry         float64
	ExitPrice     float64
	RealizedPnL   float64
	CloseReason   models.CloseReason
	EntryOrderID  string
	StopOrderID   string
	TargetOrderID string
	CreatedAt     time.Time
}

// RiskHistory is the persisted part of the day's risk state, used to
// resume limits after a restart instead of resetting them.
type RiskHistory struct {
	TradesToday int
	SessionLoss float64
	OpenCount   int // positions whose latest transition is not CLOSED
}

// Summary aggregates one session for reporting.
type Summary struct {
	SessionDate  string
	Signals      int
	Rejections   int
	Trades       int
	ClosedTrades int
	Wins         int
	Losses       int
	RealizedPnL  float64
}
