package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "zerodha-scanner/internal/errors"
	"zerodha-scanner/internal/models"
)

// SQLiteStore implements AuditStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed audit store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Emitted signals with their full condition trace
	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		session_date TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		direction TEXT NOT NULL,
		strength REAL NOT NULL,
		quality TEXT NOT NULL,
		entry REAL NOT NULL,
		stop_loss REAL NOT NULL,
		target REAL NOT NULL,
		candle_ts DATETIME NOT NULL,
		revision INTEGER NOT NULL,
		reason TEXT,
		conditions TEXT
	);

	-- Risk gate refusals
	CREATE TABLE IF NOT EXISTS risk_rejections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		session_date TEXT NOT NULL,
		symbol TEXT NOT NULL,
		rule TEXT NOT NULL,
		current_value REAL,
		limit_value REAL,
		message TEXT
	);

	-- Append-only position transitions
	CREATE TABLE IF NOT EXISTS position_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		signal_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		session_date TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		status TEXT NOT NULL,
		detail TEXT,
		entry REAL,
		exit_price REAL,
		realized_pnl REAL,
		close_reason TEXT,
		entry_order_id TEXT,
		stop_order_id TEXT,
		target_order_id TEXT
	);

	-- Create indexes for performance
	CREATE INDEX IF NOT EXISTS idx_signals_session ON signals(session_date);
	CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol);
	CREATE INDEX IF NOT EXISTS idx_rejections_session ON risk_rejections(session_date);
	CREATE INDEX IF NOT EXISTS idx_position_events_session ON position_events(session_date);
	CREATE INDEX IF NOT EXISTS idx_position_events_position ON position_events(position_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Signals Methods
// ============================================================================

// SaveSignal persists an emitted signal with its condition trace.
func (s *SQLiteStore) SaveSignal(ctx context.Context, sessionDate string, signal *models.Signal) error {
	conditions, _ := json.Marshal(signal.Conditions)

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO signals (id, created_at, session_date, symbol, exchange, direction, strength, quality, entry, stop_loss, target, candle_ts, revision, reason, conditions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, signal.ID, signal.CreatedAt, sessionDate, signal.Symbol, string(signal.Exchange), string(signal.Direction),
		signal.Strength, string(signal.Quality), signal.Entry, signal.StopLoss, signal.Target,
		signal.CandleTS, signal.Revision, signal.Reason, string(conditions))
	if err != nil {
		return fmt.Errorf("failed to save signal: %w", err)
	}
	return nil
}

// GetSignals retrieves signals matching the filter, newest first.
func (s *SQLiteStore) GetSignals(ctx context.Context, filter SignalFilter) ([]models.Signal, error) {
	query := "SELECT id, created_at, symbol, exchange, direction, strength, quality, entry, stop_loss, target, candle_ts, revision, reason, conditions FROM signals WHERE 1=1"
	args := []interface{}{}

	if filter.SessionDate != "" {
		query += " AND session_date = ?"
		args = append(args, filter.SessionDate)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Quality != "" {
		query += " AND quality = ?"
		args = append(args, string(filter.Quality))
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []models.Signal
	for rows.Next() {
		var sig models.Signal
		var conditionsJSON string
		if err := rows.Scan(&sig.ID, &sig.CreatedAt, &sig.Symbol, &sig.Exchange, &sig.Direction,
			&sig.Strength, &sig.Quality, &sig.Entry, &sig.StopLoss, &sig.Target,
			&sig.CandleTS, &sig.Revision, &sig.Reason, &conditionsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		json.Unmarshal([]byte(conditionsJSON), &sig.Conditions)
		signals = append(signals, sig)
	}

	return signals, rows.Err()
}

// ============================================================================
// Risk Rejection Methods
// ============================================================================

// SaveRiskRejection records a risk gate refusal.
func (s *SQLiteStore) SaveRiskRejection(ctx context.Context, sessionDate string, signal *models.Signal, reject *apperrors.RiskError) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_rejections (signal_id, created_at, session_date, symbol, rule, current_value, limit_value, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, signal.ID, time.Now(), sessionDate, signal.Symbol, reject.Rule, reject.Current, reject.Limit, reject.Message)
	if err != nil {
		return fmt.Errorf("failed to save risk rejection: %w", err)
	}
	return nil
}

// ============================================================================
// Position Event Methods
// ============================================================================

// SavePositionEvent appends one position transition.
func (s *SQLiteStore) SavePositionEvent(ctx context.Context, sessionDate string, position *models.Position, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO position_events (position_id, signal_id, created_at, session_date, symbol, direction, quantity, status, detail, entry, exit_price, realized_pnl, close_reason, entry_order_id, stop_order_id, target_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, position.ID, position.SignalID, time.Now(), sessionDate, position.Symbol, string(position.Direction),
		position.Quantity, string(position.Status), detail, position.Entry, position.ExitPrice,
		position.RealizedPnL, string(position.CloseReason), position.EntryOrderID, position.StopOrderID, position.TargetOrderID)
	if err != nil {
		return fmt.Errorf("failed to save position event: %w", err)
	}
	return nil
}

// GetPositionEvents retrieves position transitions matching the
// filter, oldest first so the rows replay the lifecycle in order.
func (s *SQLiteStore) GetPositionEvents(ctx context.Context, filter PositionEventFilter) ([]PositionEvent, error) {
	query := "SELECT position_id, signal_id, created_at, session_date, symbol, direction, quantity, status, detail, entry, exit_price, realized_pnl, close_reason, entry_order_id, stop_order_id, target_order_id FROM position_events WHERE 1=1"
	args := []interface{}{}

	if filter.SessionDate != "" {
		query += " AND session_date = ?"
		args = append(args, filter.SessionDate)
	}
	if filter.PositionID != "" {
		query += " AND position_id = ?"
		args = append(args, filter.PositionID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query position events: %w", err)
	}
	defer rows.Close()

	var events []PositionEvent
	for rows.Next() {
		var e PositionEvent
		if err := rows.Scan(&e.PositionID, &e.SignalID, &e.CreatedAt, &e.SessionDate, &e.Symbol,
			&e.Direction, &e.Quantity, &e.Status, &e.Detail, &e.Entry, &e.ExitPrice,
			&e.RealizedPnL, &e.CloseReason, &e.EntryOrderID, &e.StopOrderID, &e.TargetOrderID); err != nil {
			return nil, fmt.Errorf("failed to scan position event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// ============================================================================
// Session Resume and Reporting
// ============================================================================

// RebuildRiskState recomputes the day's risk counters from the
// transition log.
func (s *SQLiteStore) RebuildRiskState(ctx context.Context, sessionDate string) (RiskHistory, error) {
	var history RiskHistory

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT position_id) FROM position_events
		WHERE session_date = ? AND status = 'OPEN'
	`, sessionDate).Scan(&history.TradesToday)
	if err != nil {
		return history, fmt.Errorf("failed to count trades: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-realized_pnl), 0) FROM position_events
		WHERE session_date = ? AND status = 'CLOSED' AND realized_pnl < 0
	`, sessionDate).Scan(&history.SessionLoss)
	if err != nil {
		return history, fmt.Errorf("failed to sum session loss: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT position_id, MAX(id) AS last_id FROM position_events
			WHERE session_date = ? GROUP BY position_id
		) latest
		JOIN position_events pe ON pe.id = latest.last_id
		WHERE pe.status != 'CLOSED'
	`, sessionDate).Scan(&history.OpenCount)
	if err != nil {
		return history, fmt.Errorf("failed to count open positions: %w", err)
	}

	return history, nil
}

// SessionSummary aggregates one session for reporting.
func (s *SQLiteStore) SessionSummary(ctx context.Context, sessionDate string) (*Summary, error) {
	summary := &Summary{SessionDate: sessionDate}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signals WHERE session_date = ?`, sessionDate).Scan(&summary.Signals)
	if err != nil {
		return nil, fmt.Errorf("failed to count signals: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM risk_rejections WHERE session_date = ?`, sessionDate).Scan(&summary.Rejections)
	if err != nil {
		return nil, fmt.Errorf("failed to count rejections: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT position_id) FROM position_events
		WHERE session_date = ? AND status = 'OPEN'
	`, sessionDate).Scan(&summary.Trades)
	if err != nil {
		return nil, fmt.Errorf("failed to count trades: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN realized_pnl > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN realized_pnl < 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(realized_pnl), 0)
		FROM position_events
		WHERE session_date = ? AND status = 'CLOSED'
	`, sessionDate).Scan(&summary.ClosedTrades, &summary.Wins, &summary.Losses, &summary.RealizedPnL)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate closed trades: %w", err)
	}

	return summary, nil
}
