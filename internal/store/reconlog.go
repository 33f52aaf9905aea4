package store

import (
	"context"
	"fmt"

	"trading_core/internal/core"
)

// InsertReconLog records one reconciliation decision.
func (s *Store) InsertReconLog(ctx context.Context, q Querier, e *core.ReconLogEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO reconciliation_log
			(id, order_id, action, local_status, exchange_status, local_filled, exchange_filled, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrderID, string(e.Action), string(e.LocalStatus), string(e.ExchangeStatus),
		decString(e.LocalFilled), decString(e.ExchangeFilled), e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation log entry: %w", err)
	}
	return nil
}

// ListReconLogByOrder returns an order's reconciliation history, oldest
// first.
func (s *Store) ListReconLogByOrder(ctx context.Context, q Querier, orderID string) ([]*core.ReconLogEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, action, local_status, exchange_status, local_filled, exchange_filled, detail, created_at
		FROM reconciliation_log
		WHERE order_id = ? ORDER BY created_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation log: %w", err)
	}
	defer rows.Close()

	var out []*core.ReconLogEntry
	for rows.Next() {
		var (
			e                   core.ReconLogEntry
			action, local, exch string
			localFill, exchFill string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &action, &local, &exch,
			&localFill, &exchFill, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = core.ReconAction(action)
		e.LocalStatus = core.OrderStatus(local)
		e.ExchangeStatus = core.ExchangeStatus(exch)
		if e.LocalFilled, err = scanDec(localFill); err != nil {
			return nil, fmt.Errorf("bad local_filled in recon log %s: %w", e.ID, err)
		}
		if e.ExchangeFilled, err = scanDec(exchFill); err != nil {
			return nil, fmt.Errorf("bad exchange_filled in recon log %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
