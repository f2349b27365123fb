package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"zerodha-scanner/internal/config"
	"zerodha-scanner/internal/models"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookSink posts events as JSON to a configured HTTP endpoint.
// Delivery is best-effort: a failed post is logged by the notifier
// and the event is not retried.
type WebhookSink struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookSink creates a webhook sink. The sink is disabled when no
// URL is configured.
func NewWebhookSink(cfg config.WebhookConfig) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the sink name.
func (w *WebhookSink) Name() string {
	return "webhook"
}

// IsEnabled returns whether the sink is enabled.
func (w *WebhookSink) IsEnabled() bool {
	return w.enabled
}

// Send posts one event. Any non-2xx response is an error.
func (w *WebhookSink) Send(ctx context.Context, event models.Event) error {
	if !w.enabled {
		return nil
	}

	body, err := json.Marshal(webhookPayload(event))
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "zerodha-scanner/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

func webhookPayload(event models.Event) map[string]interface{} {
	payload := map[string]interface{}{
		"type":      string(event.Kind),
		"timestamp": event.Timestamp.Format(time.RFC3339),
	}

	switch event.Kind {
	case models.EventSignal:
		s := event.Signal
		payload["signal"] = map[string]interface{}{
			"id":          s.ID,
			"symbol":      s.Symbol,
			"exchange":    string(s.Exchange),
			"direction":   string(s.Direction),
			"quality":     string(s.Quality),
			"strength":    s.Strength,
			"entry":       s.Entry,
			"stop_loss":   s.StopLoss,
			"target":      s.Target,
			"risk_reward": s.RiskReward(),
			"reason":      s.Reason,
			"candle_ts":   s.CandleTS.Format(time.RFC3339),
		}
	case models.EventPosition:
		p := event.Position
		payload["position"] = map[string]interface{}{
			"id":           p.ID,
			"signal_id":    p.SignalID,
			"symbol":       p.Symbol,
			"exchange":     string(p.Exchange),
			"direction":    string(p.Direction),
			"quantity":     p.Quantity,
			"status":       string(p.Status),
			"entry":        p.Entry,
			"stop_loss":    p.StopLoss,
			"target":       p.Target,
			"exit_price":   p.ExitPrice,
			"realized_pnl": p.RealizedPnL,
			"close_reason": string(p.CloseReason),
		}
		payload["detail"] = event.Detail
	case models.EventFeed:
		payload["feed_state"] = string(event.FeedState)
		payload["detail"] = event.Detail
	}

	return payload
}
