// Package metrics exposes scanner counters to Prometheus and serves
// the scrape endpoint together with a JSON health probe. The engine
// already keeps its own atomic counters, so every metric is a
// read-at-scrape function over a snapshot instead of a second set of
// counters on the hot path.
package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"zerodha-scanner/internal/config"
	"zerodha-scanner/internal/logging"
	"zerodha-scanner/internal/models"
	"zerodha-scanner/internal/risk"
	"zerodha-scanner/internal/scanner"
	"zerodha-scanner/internal/stream"
)

const defaultAddr = ":2112"

// Providers supplies the live snapshots the collectors read at scrape
// time. Every func must be safe for concurrent use.
type Providers struct {
	Stats func() scanner.Stats
	Risk  func() risk.State
	Bus   func() stream.BusMetrics
}

// Metrics is the scanner's Prometheus registry plus the health probe
// fed from the same snapshots.
type Metrics struct {
	registry  *prometheus.Registry
	providers Providers
	startedAt time.Time
}

// New builds and registers all scanner metrics.
func New(p Providers) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		providers: p,
		startedAt: time.Now(),
	}

	counter := func(name, help string, read func() float64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: name, Help: help}, read))
	}
	gauge := func(name, help string, read func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help}, read))
	}

	stats := p.Stats
	counter("scanner_ticks_received_total", "Ticks received from the websocket feed",
		func() float64 { return float64(stats().Received) })
	counter("scanner_ticks_gated_total", "Ticks dropped outside market hours",
		func() float64 { return float64(stats().Gated) })
	counter("scanner_ticks_bad_total", "Ticks rejected for zero price or quantity",
		func() float64 { return float64(stats().BadTicks) })
	counter("scanner_ticks_unknown_token_total", "Ticks for tokens outside the scan universe",
		func() float64 { return float64(stats().UnknownTokens) })
	counter("scanner_ticks_dropped_total", "Ticks dropped because a worker queue was full",
		func() float64 { return float64(stats().Dropped) })
	counter("scanner_candles_closed_total", "Intraday candles completed across all instruments",
		func() float64 { return float64(stats().ClosedCandles) })
	counter("scanner_bars_seeded_total", "Historical bars applied by backfill and poll fallback",
		func() float64 { return float64(stats().Seeded) })
	counter("scanner_evaluations_total", "Strategy evaluation attempts",
		func() float64 { return float64(stats().Evaluations) })
	counter("scanner_evaluations_suppressed_total", "Evaluations suppressed by the per-candle throttle",
		func() float64 { return float64(stats().Suppressed) })
	counter("scanner_evaluations_warmup_total", "Evaluations skipped for insufficient history",
		func() float64 { return float64(stats().Warmups) })
	counter("scanner_signals_total", "Signals emitted by the strategy",
		func() float64 { return float64(stats().Signals) })
	counter("scanner_signals_duplicate_total", "Signals dropped as duplicates of the same candle",
		func() float64 { return float64(stats().Duplicates) })
	counter("scanner_signals_dispatched_total", "Signals handed to the dispatcher after the risk gate",
		func() float64 { return float64(stats().Dispatched) })
	counter("scanner_risk_rejections_total", "Signals rejected by the risk gate",
		func() float64 { return float64(stats().RiskRejections) })
	counter("scanner_audit_drops_total", "Audit writes dropped because the queue was full",
		func() float64 { return float64(stats().AuditDrops) })
	counter("scanner_feed_errors_total", "Errors reported by the websocket feed",
		func() float64 { return float64(stats().FeedErrors) })
	counter("scanner_poll_sweeps_total", "Poll fallback sweeps over the universe",
		func() float64 { return float64(stats().PollSweeps) })
	counter("scanner_poll_fetches_total", "Successful historical fetches by the poll fallback",
		func() float64 { return float64(stats().PollFetches) })
	counter("scanner_poll_errors_total", "Failed historical fetches by the poll fallback",
		func() float64 { return float64(stats().PollErrors) })

	gauge("scanner_feed_state", "Feed state (0=disconnected, 1=connecting, 2=subscribed, 3=streaming)",
		func() float64 { return feedStateValue(stats().FeedState) })
	gauge("scanner_poller_active", "Whether the poll fallback is running (0 or 1)",
		func() float64 { return boolValue(stats().PollerActive) })
	gauge("scanner_open_positions", "Positions currently managed by the dispatcher",
		func() float64 { return float64(stats().OpenPositions) })

	riskState := p.Risk
	gauge("scanner_risk_trades_today", "Trades counted against the per-day limit",
		func() float64 { return float64(riskState().TradesToday) })
	gauge("scanner_risk_session_loss_rupees", "Realized loss accumulated this session",
		func() float64 { return riskState().SessionLoss })
	gauge("scanner_risk_active_reservations", "Risk reservations awaiting dispatch",
		func() float64 { return float64(riskState().ActiveReservations) })
	gauge("scanner_risk_capital_rupees", "Configured session capital",
		func() float64 { return riskState().Capital })

	bus := p.Bus
	counter("scanner_bus_published_total", "Events accepted by the fan-out bus",
		func() float64 { return float64(bus().Published) })
	counter("scanner_bus_delivered_total", "Events delivered to bus subscribers",
		func() float64 { return float64(bus().Delivered) })
	counter("scanner_bus_dropped_total", "Events dropped by the bus or a slow subscriber",
		func() float64 { return float64(bus().Dropped) })
	gauge("scanner_bus_subscribers", "Active bus subscriptions",
		func() float64 { return float64(bus().Subscribers) })

	return m
}

func feedStateValue(state models.FeedState) float64 {
	switch state {
	case models.FeedConnecting:
		return 1
	case models.FeedSubscribed:
		return 2
	case models.FeedStreaming:
		return 3
	default:
		return 0
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ServeHealth handles the /healthz endpoint. The probe is healthy
// while ticks can reach the workers: either the feed is streaming or
// the poll fallback is covering for it.
func (m *Metrics) ServeHealth(w http.ResponseWriter, r *http.Request) {
	stats := m.providers.Stats()

	status := "healthy"
	httpCode := http.StatusOK
	if stats.FeedState != models.FeedStreaming && !stats.PollerActive {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	body := struct {
		Status        string `json:"status"`
		Uptime        string `json:"uptime"`
		SessionDate   string `json:"session_date"`
		FeedState     string `json:"feed_state"`
		PollerActive  bool   `json:"poller_active"`
		TicksReceived uint64 `json:"ticks_received"`
		Signals       uint64 `json:"signals"`
		Dispatched    uint64 `json:"dispatched"`
		OpenPositions int    `json:"open_positions"`
	}{
		Status:        status,
		Uptime:        time.Since(m.startedAt).Round(time.Second).String(),
		SessionDate:   stats.SessionDate,
		FeedState:     string(stats.FeedState),
		PollerActive:  stats.PollerActive,
		TicksReceived: stats.Received,
		Signals:       stats.Signals,
		Dispatched:    stats.Dispatched,
		OpenPositions: stats.OpenPositions,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(body)
}

// Server exposes /metrics and /healthz over HTTP.
type Server struct {
	addr   string
	srv    *http.Server
	logger zerolog.Logger

	ln net.Listener
}

// NewServer creates the metrics server. It does not listen until
// Start is called.
func NewServer(cfg config.MetricsConfig, m *Metrics, logger zerolog.Logger) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", m.ServeHealth)

	return &Server{
		addr:   addr,
		logger: logging.WithComponent(logger, "metrics"),
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start binds the listen address and serves in the background. A bind
// failure is returned immediately so a bad address fails startup
// instead of logging from a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")
		if err := s.srv.Serve(ln); err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}
}
