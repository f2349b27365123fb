package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"zerodha-scanner/internal/models"
)

// TerminalSink prints events as a live feed. BUY and profitable
// closes render green, SELL and losses red, matching the rest of the
// CLI. Signals and closed positions also ring the terminal bell.
type TerminalSink struct {
	mu   sync.Mutex
	out  io.Writer
	bell bool

	buy  *color.Color
	sell *color.Color
	info *color.Color
	warn *color.Color
}

// NewTerminalSink writes to out, or to the color-aware stdout when
// out is nil.
func NewTerminalSink(out io.Writer) *TerminalSink {
	if out == nil {
		out = color.Output
	}
	return &TerminalSink{
		out:  out,
		bell: true,
		buy:  color.New(color.FgGreen, color.Bold),
		sell: color.New(color.FgRed, color.Bold),
		info: color.New(color.FgCyan),
		warn: color.New(color.FgYellow),
	}
}

// SetBellEnabled enables or disables the terminal bell.
func (t *TerminalSink) SetBellEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bell = enabled
}

// Name returns the sink name.
func (t *TerminalSink) Name() string {
	return "terminal"
}

// IsEnabled always reports true; the terminal feed has no off switch
// beyond not attaching the sink.
func (t *TerminalSink) IsEnabled() bool {
	return true
}

// Send renders one event.
func (t *TerminalSink) Send(_ context.Context, event models.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case models.EventSignal:
		t.printSignal(event.Timestamp, event.Signal)
	case models.EventPosition:
		t.printPosition(event.Timestamp, event.Position, event.Detail)
	case models.EventFeed:
		t.printFeed(event.Timestamp, event.FeedState, event.Detail)
	}
	return nil
}

func (t *TerminalSink) printSignal(ts time.Time, s *models.Signal) {
	dir := t.buy
	if s.Direction == models.OrderSideSell {
		dir = t.sell
	}

	t.ring()
	fmt.Fprintf(t.out, "%s  ", ts.Format("15:04:05"))
	dir.Fprintf(t.out, "🔔 %s %s", s.Direction, s.Symbol)
	fmt.Fprintf(t.out, "  entry %s  stop %s  target %s  rr %.2f  [%s]\n",
		FormatCurrency(s.Entry), FormatCurrency(s.StopLoss),
		FormatCurrency(s.Target), s.RiskReward(), s.Quality)
	if s.Reason != "" {
		fmt.Fprintf(t.out, "          %s\n", s.Reason)
	}
}

func (t *TerminalSink) printPosition(ts time.Time, p *models.Position, detail string) {
	fmt.Fprintf(t.out, "%s  ", ts.Format("15:04:05"))

	switch p.Status {
	case models.PositionOpen:
		t.info.Fprintf(t.out, "● OPEN %s", p.Symbol)
		fmt.Fprintf(t.out, "  %s x%d @ %s  stop %s  target %s\n",
			p.Direction, p.Quantity, FormatCurrency(p.Entry),
			FormatCurrency(p.StopLoss), FormatCurrency(p.Target))
	case models.PositionClosed:
		c := t.buy
		mark := "✓"
		if p.RealizedPnL < 0 {
			c = t.sell
			mark = "✗"
		}
		t.ring()
		c.Fprintf(t.out, "%s CLOSED %s", mark, p.Symbol)
		fmt.Fprintf(t.out, "  %s @ %s  pnl %s",
			p.CloseReason, FormatCurrency(p.ExitPrice), FormatCurrency(p.RealizedPnL))
		if detail != "" {
			fmt.Fprintf(t.out, "  %s", detail)
		}
		fmt.Fprintln(t.out)
	default:
		fmt.Fprintf(t.out, "%s %s  %s\n", p.Status, p.Symbol, detail)
	}
}

func (t *TerminalSink) printFeed(ts time.Time, state models.FeedState, detail string) {
	c := t.warn
	if state == models.FeedStreaming {
		c = t.buy
	}

	fmt.Fprintf(t.out, "%s  ", ts.Format("15:04:05"))
	c.Fprintf(t.out, "feed %s", state)
	if detail != "" {
		fmt.Fprintf(t.out, "  %s", detail)
	}
	fmt.Fprintln(t.out)
}

// ring sounds the terminal bell for priority events. Caller holds mu.
func (t *TerminalSink) ring() {
	if t.bell {
		fmt.Fprint(t.out, "\a")
	}
}
