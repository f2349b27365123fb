package models

import "time"

// Reservation is proof that risk headroom was set aside for a signal.
// Every reservation ends in exactly one of commit (entry filled) or
// release (entry failed).
type Reservation struct {
	ID        string
	SignalID  string
	Symbol    string
	Exchange  Exchange
	Direction OrderSide
	Quantity  int
	CreatedAt time.Time
}

// PositionStatus is the dispatcher's position state machine. It only
// moves forward.
type PositionStatus string

const (
	PositionPendingEntry PositionStatus = "PENDING_ENTRY"
	PositionOpen         PositionStatus = "OPEN"
	PositionClosing      PositionStatus = "CLOSING"
	PositionClosed       PositionStatus = "CLOSED"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseTarget    CloseReason = "TARGET"
	CloseStop      CloseReason = "STOP"
	CloseReference CloseReason = "REFERENCE" // price returned to session VWAP in profit
	CloseTimeout   CloseReason = "TIMEOUT"   // max hold or session square-off
)

// Position is a bracket-protected intraday position.
type Position struct {
	ID          string
	SignalID    string
	Symbol      string
	Exchange    Exchange
	Direction   OrderSide
	Quantity    int
	Entry       float64 // actual average fill price once OPEN
	StopLoss    float64
	Target      float64
	Status      PositionStatus
	CloseReason CloseReason
	ExitPrice   float64
	RealizedPnL float64

	EntryOrderID  string
	StopOrderID   string
	TargetOrderID string

	OpenedAt time.Time
	ClosedAt time.Time
}

// PnLAt returns the unrealized profit and loss at the given price.
func (p *Position) PnLAt(price float64) float64 {
	if p.Direction == OrderSideBuy {
		return (price - p.Entry) * float64(p.Quantity)
	}
	return (p.Entry - price) * float64(p.Quantity)
}

// ProfitFraction returns the unrealized gain at price as a fraction of
// the entry price, positive when the position is in profit.
func (p *Position) ProfitFraction(price float64) float64 {
	if p.Entry == 0 {
		return 0
	}
	if p.Direction == OrderSideBuy {
		return (price - p.Entry) / p.Entry
	}
	return (p.Entry - price) / p.Entry
}
