// Package market provides the trading session clock. All scanner
// components that care about market hours (tick gating, the poll
// fallback, square-off exits, daily risk resets, VWAP session
// boundaries) ask this package instead of reading the wall clock
// directly.
package market

import (
	"fmt"
	"time"
)

// Phase represents a market session phase.
type Phase string

const (
	PhasePreOpen Phase = "PRE_OPEN" // 9:00-9:15, order collection, no scanning
	PhaseNormal  Phase = "NORMAL"   // 9:15-15:30
	PhaseClosed  Phase = "CLOSED"
)

func (p Phase) String() string {
	switch p {
	case PhasePreOpen:
		return "Pre-Open (9:00-9:15)"
	case PhaseNormal:
		return "Normal Trading (9:15-15:30)"
	default:
		return "Closed"
	}
}

// Session timings in minutes from midnight, IST.
const (
	preOpenStartMin = 9 * 60
	openMin         = 9*60 + 15
	closeMin        = 15*60 + 30
)

// Clock answers market-hours questions for NSE/BSE equities in IST.
type Clock struct {
	location   *time.Location
	holidays   map[string]bool // "2006-01-02" -> holiday
	squareOffH int
	squareOffM int
}

// NewClock creates a session clock. squareOff is the intraday
// square-off wall time as "HH:MM"; it must fall inside market hours.
func NewClock(squareOff string) (*Clock, error) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return nil, fmt.Errorf("loading IST location: %w", err)
	}

	var h, m int
	if _, err := fmt.Sscanf(squareOff, "%d:%d", &h, &m); err != nil {
		return nil, fmt.Errorf("parsing square-off time %q: %w", squareOff, err)
	}
	mins := h*60 + m
	if mins <= openMin || mins > closeMin {
		return nil, fmt.Errorf("square-off %q outside market hours", squareOff)
	}

	return &Clock{
		location:   loc,
		holidays:   make(map[string]bool),
		squareOffH: h,
		squareOffM: m,
	}, nil
}

// AddHoliday marks a date as a market holiday.
func (c *Clock) AddHoliday(date time.Time) {
	c.holidays[date.In(c.location).Format("2006-01-02")] = true
}

// IsHoliday reports whether the date is a market holiday.
func (c *Clock) IsHoliday(t time.Time) bool {
	return c.holidays[t.In(c.location).Format("2006-01-02")]
}

// IsTradingDay reports whether t falls on a weekday that is not a
// holiday.
func (c *Clock) IsTradingDay(t time.Time) bool {
	t = t.In(c.location)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return !c.IsHoliday(t)
}

// PhaseAt returns the session phase at t.
func (c *Clock) PhaseAt(t time.Time) Phase {
	t = t.In(c.location)
	if !c.IsTradingDay(t) {
		return PhaseClosed
	}
	mins := t.Hour()*60 + t.Minute()
	switch {
	case mins >= preOpenStartMin && mins < openMin:
		return PhasePreOpen
	case mins >= openMin && mins < closeMin:
		return PhaseNormal
	default:
		return PhaseClosed
	}
}

// IsOpenAt reports whether the normal session is running at t.
func (c *Clock) IsOpenAt(t time.Time) bool {
	return c.PhaseAt(t) == PhaseNormal
}

// IsOpen reports whether the normal session is running now.
func (c *Clock) IsOpen() bool {
	return c.IsOpenAt(time.Now())
}

// SessionStartAt returns 9:15 IST on t's date. VWAP accumulation and
// the risk ledger's daily counters are anchored here.
func (c *Clock) SessionStartAt(t time.Time) time.Time {
	t = t.In(c.location)
	return time.Date(t.Year(), t.Month(), t.Day(), 9, 15, 0, 0, c.location)
}

// SessionEndAt returns 15:30 IST on t's date.
func (c *Clock) SessionEndAt(t time.Time) time.Time {
	t = t.In(c.location)
	return time.Date(t.Year(), t.Month(), t.Day(), 15, 30, 0, 0, c.location)
}

// SquareOffAt returns the configured square-off instant on t's date.
func (c *Clock) SquareOffAt(t time.Time) time.Time {
	t = t.In(c.location)
	return time.Date(t.Year(), t.Month(), t.Day(), c.squareOffH, c.squareOffM, 0, 0, c.location)
}

// PastSquareOff reports whether t is at or past the square-off time
// on a trading day.
func (c *Clock) PastSquareOff(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	return !t.In(c.location).Before(c.SquareOffAt(t))
}

// SessionDate returns the session key for t, "2006-01-02" in IST.
func (c *Clock) SessionDate(t time.Time) string {
	return t.In(c.location).Format("2006-01-02")
}

// NextOpen returns the next normal-session start at or after t.
func (c *Clock) NextOpen(t time.Time) time.Time {
	t = t.In(c.location)
	day := t
	if !t.Before(c.SessionStartAt(t)) {
		day = t.AddDate(0, 0, 1)
	}
	for !c.IsTradingDay(day) {
		day = day.AddDate(0, 0, 1)
	}
	return c.SessionStartAt(day)
}

// Location returns the market time zone.
func (c *Clock) Location() *time.Location {
	return c.location
}
