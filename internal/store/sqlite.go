// Package store persists signals, targets and settings
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"copytrade/internal/core"
	apperrors "copytrade/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id                   TEXT PRIMARY KEY,
	symbol               TEXT NOT NULL,
	kind                 TEXT NOT NULL,
	entry_price          TEXT NOT NULL,
	size                 TEXT NOT NULL,
	leverage             INTEGER NOT NULL,
	status               TEXT NOT NULL,
	ladder               TEXT NOT NULL,
	stop_price           TEXT NOT NULL,
	stop_order_id        INTEGER NOT NULL DEFAULT 0,
	stop_client_order_id TEXT NOT NULL DEFAULT '',
	created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status);

CREATE TABLE IF NOT EXISTS targets (
	target_id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	number    INTEGER NOT NULL,
	status    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_targets_status ON targets(status);
CREATE INDEX IF NOT EXISTS idx_targets_signal ON targets(signal_id);

CREATE TABLE IF NOT EXISTS settings (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	limit_balance TEXT NOT NULL
);
`

const signalColumns = `id, symbol, kind, entry_price, size, leverage, status, ladder, stop_price, stop_order_id, stop_client_order_id, created_at`

// SQLiteStore implements core.ISignalStore on a single sqlite file
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and seeds
// the settings row with defaultLimitBalance.
func NewSQLiteStore(dbPath string, defaultLimitBalance decimal.Decimal) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO settings (id, limit_balance) VALUES (1, ?)`, defaultLimitBalance.String()); err != nil {
		return nil, fmt.Errorf("failed to seed settings: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSignal(ctx context.Context, sig *core.Signal) error {
	ladder, err := json.Marshal(sig.Ladder)
	if err != nil {
		return fmt.Errorf("failed to marshal ladder: %w", err)
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}

	query := `INSERT INTO signals (` + signalColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		sig.ID, sig.Symbol, string(sig.Kind), sig.EntryPrice.String(), sig.Size.String(), sig.Leverage,
		string(sig.Status), string(ladder), sig.StopPrice.String(), sig.StopOrderID, sig.StopClientOrderID,
		sig.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert signal %s: %w", sig.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSignal(ctx context.Context, id string) (*core.Signal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSignalNotFound, id)
	}
	return sig, err
}

func (s *SQLiteStore) SignalExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM signals WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check signal %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListSignalsByStatus(ctx context.Context, status core.Status) ([]*core.Signal, error) {
	return s.querySignals(ctx, `SELECT `+signalColumns+` FROM signals WHERE status = ? ORDER BY created_at ASC`, string(status))
}

func (s *SQLiteStore) ListSignals(ctx context.Context, status core.Status, limit int) ([]*core.Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	if status == "" {
		return s.querySignals(ctx, `SELECT `+signalColumns+` FROM signals ORDER BY created_at DESC LIMIT ?`, limit)
	}
	return s.querySignals(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(status), limit)
}

func (s *SQLiteStore) UpdateSignalStatus(ctx context.Context, id string, from, to core.Status) error {
	return transition(ctx, s.db, "signals", "id", apperrors.ErrSignalNotFound, id, from, to)
}

// CloseSignal moves an OPEN signal to CLOSE and inserts its targets in one
// transaction. Nothing is written when the signal already left OPEN.
func (s *SQLiteStore) CloseSignal(ctx context.Context, id string, targets []*core.Target) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := transition(ctx, tx, "signals", "id", apperrors.ErrSignalNotFound, id, core.StatusOpen, core.StatusClose); err != nil {
		return err
	}
	if err := insertTargets(ctx, tx, targets); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateSignalStop(ctx context.Context, id string, orderID int64, clientOrderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE signals SET stop_order_id = ?, stop_client_order_id = ? WHERE id = ?`, orderID, clientOrderID, id)
	if err != nil {
		return fmt.Errorf("failed to update stop of signal %s: %w", id, err)
	}
	return expectOne(res, apperrors.ErrSignalNotFound, id)
}

// DeleteSignal removes the signal and its targets
func (s *SQLiteStore) DeleteSignal(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM targets WHERE signal_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete targets of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete signal %s: %w", id, err)
	}
	if err := expectOne(res, apperrors.ErrSignalNotFound, id); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateTargets inserts all targets atomically
func (s *SQLiteStore) CreateTargets(ctx context.Context, targets []*core.Target) error {
	if len(targets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertTargets(ctx, tx, targets); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTargets(ctx context.Context, tx *sql.Tx, targets []*core.Target) error {
	if len(targets) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO targets (target_id, signal_id, number, status) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare target insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range targets {
		if _, err := stmt.ExecContext(ctx, t.TargetID, t.SignalID, t.Number, string(t.Status)); err != nil {
			return fmt.Errorf("failed to insert target %s: %w", t.TargetID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListTargetsByStatus(ctx context.Context, status core.Status) ([]*core.Target, error) {
	return s.queryTargets(ctx, `SELECT target_id, signal_id, number, status FROM targets WHERE status = ? ORDER BY rowid ASC`, string(status))
}

func (s *SQLiteStore) ListTargetsBySignal(ctx context.Context, signalID string) ([]*core.Target, error) {
	return s.queryTargets(ctx, `SELECT target_id, signal_id, number, status FROM targets WHERE signal_id = ? ORDER BY number ASC, rowid ASC`, signalID)
}

func (s *SQLiteStore) UpdateTargetStatus(ctx context.Context, targetID string, from, to core.Status) error {
	return transition(ctx, s.db, "targets", "target_id", apperrors.ErrTargetNotFound, targetID, from, to)
}

func (s *SQLiteStore) GetSettings(ctx context.Context) (*core.Settings, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT limit_balance FROM settings WHERE id = 1`).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	limit, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt limit_balance %q: %w", raw, err)
	}
	return &core.Settings{LimitBalance: limit}, nil
}

func (s *SQLiteStore) SetLimitBalance(ctx context.Context, value decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (id, limit_balance) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET limit_balance = excluded.limit_balance`,
		value.String())
	if err != nil {
		return fmt.Errorf("failed to update limit_balance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) querySignals(ctx context.Context, query string, args ...interface{}) ([]*core.Signal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var out []*core.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryTargets(ctx context.Context, query string, args ...interface{}) ([]*core.Target, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	var out []*core.Target
	for rows.Next() {
		var t core.Target
		var status string
		if err := rows.Scan(&t.TargetID, &t.SignalID, &t.Number, &status); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		t.Status = core.Status(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// transition sets status to `to` only while the row still holds `from`
func transition(ctx context.Context, db execer, table, key string, notFound error, id string, from, to core.Status) error {
	res, err := db.ExecContext(ctx,
		`UPDATE `+table+` SET status = ? WHERE `+key+` = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = db.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE `+key+` = ?`, id).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", notFound, id)
	case err != nil:
		return fmt.Errorf("failed to read status of %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s is %s, not %s", apperrors.ErrInvalidTransition, id, current, from)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row scanner) (*core.Signal, error) {
	var (
		sig                    core.Signal
		kind, status           string
		entry, size, stop, lad string
		createdAt              int64
	)
	err := row.Scan(&sig.ID, &sig.Symbol, &kind, &entry, &size, &sig.Leverage, &status, &lad, &stop,
		&sig.StopOrderID, &sig.StopClientOrderID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan signal: %w", err)
	}

	sig.Kind = core.Kind(kind)
	sig.Status = core.Status(status)
	sig.CreatedAt = time.UnixMilli(createdAt)

	if sig.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return nil, fmt.Errorf("corrupt entry_price of %s: %w", sig.ID, err)
	}
	if sig.StopPrice, err = decimal.NewFromString(stop); err != nil {
		return nil, fmt.Errorf("corrupt stop_price of %s: %w", sig.ID, err)
	}
	if sig.Size, err = core.ParseSizeSpec(size); err != nil {
		return nil, fmt.Errorf("corrupt size of %s: %w", sig.ID, err)
	}
	if strings.TrimSpace(lad) != "" {
		if err := json.Unmarshal([]byte(lad), &sig.Ladder); err != nil {
			return nil, fmt.Errorf("corrupt ladder of %s: %w", sig.ID, err)
		}
	}
	return &sig, nil
}

func expectOne(res sql.Result, notFound error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}
