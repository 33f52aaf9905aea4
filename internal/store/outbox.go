package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trading_core/internal/core"
)

// InsertOutboxRow appends a portfolio outbox row. Called inside the same
// transaction that records the fill or cancel it describes.
func (s *Store) InsertOutboxRow(ctx context.Context, q Querier, r *core.OutboxRow) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO portfolio_outbox (event_type, user_id, symbol, order_id, fill_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(r.EventType), r.UserID, r.Symbol, r.OrderID, r.FillID, r.Payload, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox row: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// FetchUnprocessedOutbox returns up to limit unprocessed rows in insertion
// order.
func (s *Store) FetchUnprocessedOutbox(ctx context.Context, q Querier, limit int) ([]*core.OutboxRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, event_type, user_id, symbol, order_id, fill_id, payload, created_at, processed_at
		FROM portfolio_outbox
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox rows: %w", err)
	}
	defer rows.Close()

	var out []*core.OutboxRow
	for rows.Next() {
		var r core.OutboxRow
		var eventType string
		if err := rows.Scan(&r.ID, &eventType, &r.UserID, &r.Symbol, &r.OrderID,
			&r.FillID, &r.Payload, &r.CreatedAt, &r.ProcessedAt); err != nil {
			return nil, err
		}
		r.EventType = core.OutboxEventType(eventType)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// MarkOutboxProcessed tombstones a delivered row. Rows are kept for audit,
// never deleted.
func (s *Store) MarkOutboxProcessed(ctx context.Context, q Querier, id int64, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE portfolio_outbox SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row processed: %w", err)
	}
	return nil
}

// OldestUnprocessedOutbox returns the creation time of the oldest
// unprocessed row for (user, symbol), or nil when the key is drained.
func (s *Store) OldestUnprocessedOutbox(ctx context.Context, q Querier, userID, symbol string) (*time.Time, error) {
	var created time.Time
	err := q.QueryRowContext(ctx, `
		SELECT created_at FROM portfolio_outbox
		WHERE processed_at IS NULL AND user_id = ? AND symbol = ?
		ORDER BY id ASC LIMIT 1`, userID, symbol).Scan(&created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read oldest outbox row: %w", err)
	}
	return &created, nil
}

// CountUnprocessedOutbox reports the backlog size.
func (s *Store) CountUnprocessedOutbox(ctx context.Context, q Querier) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM portfolio_outbox WHERE processed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox backlog: %w", err)
	}
	return n, nil
}
