package store

import (
	"context"
	"database/sql"
	"fmt"

	"trading_core/internal/core"
)

// InsertOrderEvent appends an event row. The unique (order_id, seq) index
// rejects gaps created by concurrent writers.
func (s *Store) InsertOrderEvent(ctx context.Context, q Querier, e *core.OrderEvent) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO order_events (id, order_id, type, data, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrderID, string(e.Type), e.Data, e.Sequence, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order event: %w", err)
	}
	return nil
}

// NextEventSequence returns the next sequence number for an order, starting
// at 1.
func (s *Store) NextEventSequence(ctx context.Context, q Querier, orderID string) (int64, error) {
	var max sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM order_events WHERE order_id = ?`, orderID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read event sequence: %w", err)
	}
	return max.Int64 + 1, nil
}

// ListOrderEvents returns an order's events in sequence order.
func (s *Store) ListOrderEvents(ctx context.Context, q Querier, orderID string) ([]*core.OrderEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, type, data, seq, created_at
		FROM order_events WHERE order_id = ? ORDER BY seq ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order events: %w", err)
	}
	defer rows.Close()

	var out []*core.OrderEvent
	for rows.Next() {
		var e core.OrderEvent
		var typ string
		if err := rows.Scan(&e.ID, &e.OrderID, &typ, &e.Data, &e.Sequence, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = core.EventType(typ)
		out = append(out, &e)
	}
	return out, rows.Err()
}
