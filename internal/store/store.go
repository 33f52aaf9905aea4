// Package store is the durable system of record: orders, order events,
// fills, positions, the portfolio outbox and the reconciliation log, backed
// by SQLite in WAL mode.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	strategy_id       TEXT NOT NULL DEFAULT '',
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL CHECK (side IN ('BUY','SELL')),
	type              TEXT NOT NULL CHECK (type IN ('MARKET','LIMIT','STOP_LOSS','TAKE_PROFIT')),
	quantity          TEXT NOT NULL,
	price             TEXT,
	status            TEXT NOT NULL,
	filled_quantity   TEXT NOT NULL DEFAULT '0',
	avg_fill_price    TEXT,
	exchange_order_id TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_exchange_order_id ON orders(exchange_order_id);

CREATE TABLE IF NOT EXISTS order_events (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	type       TEXT NOT NULL,
	data       BLOB,
	seq        INTEGER NOT NULL CHECK (seq >= 1),
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_order_events_order_seq ON order_events(order_id, seq);

CREATE TABLE IF NOT EXISTS fills (
	id               TEXT PRIMARY KEY,
	order_id         TEXT NOT NULL REFERENCES orders(id),
	exchange_fill_id TEXT NOT NULL,
	price            TEXT NOT NULL,
	quantity         TEXT NOT NULL,
	fee              TEXT NOT NULL DEFAULT '0',
	fee_asset        TEXT NOT NULL DEFAULT '',
	exchange_time    TIMESTAMP NOT NULL,
	source           TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_fills_exchange_fill_id ON fills(exchange_fill_id);
CREATE INDEX IF NOT EXISTS idx_fills_order_id ON fills(order_id);

CREATE TABLE IF NOT EXISTS positions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	avg_entry_price TEXT,
	realized_pnl    TEXT NOT NULL DEFAULT '0',
	total_fees      TEXT NOT NULL DEFAULT '0',
	version         INTEGER NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	data_as_of      TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_user_symbol ON positions(user_id, symbol);

CREATE TABLE IF NOT EXISTS portfolio_outbox (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type   TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	order_id     TEXT NOT NULL,
	fill_id      TEXT NOT NULL DEFAULT '',
	payload      BLOB,
	created_at   TIMESTAMP NOT NULL,
	processed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON portfolio_outbox(id) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS reconciliation_log (
	id              TEXT PRIMARY KEY,
	order_id        TEXT NOT NULL,
	action          TEXT NOT NULL,
	local_status    TEXT NOT NULL,
	exchange_status TEXT NOT NULL DEFAULT '',
	local_filled    TEXT NOT NULL DEFAULT '0',
	exchange_filled TEXT NOT NULL DEFAULT '0',
	detail          TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recon_log_order ON reconciliation_log(order_id, created_at);

CREATE TABLE IF NOT EXISTS risk_limits (
	user_id           TEXT NOT NULL,
	symbol            TEXT NOT NULL DEFAULT '',
	max_position_size TEXT NOT NULL,
	max_exposure      TEXT NOT NULL DEFAULT '0',
	max_daily_loss    TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (user_id, symbol)
);
`

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// repository methods run standalone or inside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath, enables WAL mode
// and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	// Serialize access; sqlite has no row locks, the single writer
	// substitutes for SELECT ... FOR UPDATE.
	db.SetMaxOpenConns(1)

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for non-transactional reads.
func (s *Store) DB() Querier {
	return s.db
}

// WithTx runs fn inside a serializable transaction, committing on nil error
// and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// Ping checks database liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsUniqueViolation reports whether err is a unique constraint failure.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// IsBusy reports whether err is a transient lock/busy failure worth retrying.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// Decimal column helpers. Decimals are stored as TEXT to keep them exact.

func decString(d decimal.Decimal) string {
	return d.String()
}

func nullDecString(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func scanDec(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func scanNullDec(ns sql.NullString) (decimal.NullDecimal, error) {
	if !ns.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}
