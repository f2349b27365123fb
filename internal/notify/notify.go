// Package notify fans engine events out to human-facing sinks: a
// colored terminal feed and an optional JSON webhook. Sinks consume
// the same event bus the audit trail hangs off, so what the operator
// sees is exactly what was recorded.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"zerodha-scanner/internal/config"
	"zerodha-scanner/internal/logging"
	"zerodha-scanner/internal/models"
	"zerodha-scanner/internal/stream"
)

// Sink delivers a single event to one destination. Implementations
// must be safe for calls from the notifier goroutine.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string
	// IsEnabled reports whether the sink should receive events.
	IsEnabled() bool
	// Send delivers one event. Errors are logged, never fatal.
	Send(ctx context.Context, event models.Event) error
}

// Notifier subscribes to the event bus and forwards every signal,
// position transition and feed state change to its sinks. A failing
// sink is logged and skipped; it never blocks the others.
type Notifier struct {
	bus    *stream.Bus
	logger zerolog.Logger

	mu      sync.RWMutex
	sinks   []Sink
	running bool
	sub     *stream.Subscription
	wg      sync.WaitGroup
}

// NewNotifier builds a notifier from configuration. The terminal feed
// is always attached; the webhook poster only when configured. The
// master Notifications.Enabled switch is the caller's concern.
func NewNotifier(bus *stream.Bus, cfg config.NotificationConfig, logger zerolog.Logger) *Notifier {
	n := &Notifier{
		bus:    bus,
		logger: logging.WithComponent(logger, "notifier"),
	}

	n.AddSink(NewTerminalSink(nil))
	if cfg.Webhook.Enabled {
		n.AddSink(NewWebhookSink(cfg.Webhook))
	}
	return n
}

// AddSink registers an additional sink.
func (n *Notifier) AddSink(sink Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, sink)
}

// Start subscribes to the bus and begins delivering events.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return fmt.Errorf("notifier already running")
	}
	n.sub = n.bus.Subscribe("notifier",
		models.EventSignal, models.EventPosition, models.EventFeed)
	n.running = true

	n.wg.Add(1)
	go n.run(ctx)

	n.logger.Debug().Int("sinks", len(n.sinks)).Msg("Notifier started")
	return nil
}

// Stop cancels the subscription and waits for in-flight deliveries.
// Events already buffered on the subscription are drained first.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	sub := n.sub
	n.mu.Unlock()

	n.bus.Unsubscribe(sub)
	n.wg.Wait()
	n.logger.Debug().Msg("Notifier stopped")
}

func (n *Notifier) run(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-n.sub.Events():
			if !ok {
				return
			}
			n.deliver(ctx, event)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, event models.Event) {
	n.mu.RLock()
	sinks := n.sinks
	n.mu.RUnlock()

	for _, sink := range sinks {
		if !sink.IsEnabled() {
			continue
		}
		if err := sink.Send(ctx, event); err != nil {
			n.logger.Warn().Err(err).
				Str("sink", sink.Name()).
				Str("kind", string(event.Kind)).
				Msg("Notification delivery failed")
		}
	}
}

// FormatCurrency renders an amount as rupees in the Indian numbering
// system, e.g. 1234567.89 becomes ₹12,34,567.89.
func FormatCurrency(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")
	intPart := parts[0]
	decPart := parts[1]

	result := "₹" + formatIndianNumber(intPart) + "." + decPart
	if negative {
		result = "-" + result
	}
	return result
}

// formatIndianNumber groups an integer string 2-2-3 from the right.
func formatIndianNumber(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	// First group of 3 from the right, then groups of 2.
	result := s[n-3:]
	s = s[:n-3]

	for len(s) > 0 {
		if len(s) >= 2 {
			result = s[len(s)-2:] + "," + result
			s = s[:len(s)-2]
		} else {
			result = s + "," + result
			s = ""
		}
	}

	return result
}
