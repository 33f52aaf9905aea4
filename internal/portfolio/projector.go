// Package portfolio projects fills from the transactional outbox into
// per-user per-symbol positions. Rows apply in insertion order per
// (user, symbol) under an optimistic version lock; a conflict parks the
// key until the next poll rather than reordering it.
package portfolio

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading_core/internal/config"
	"trading_core/internal/core"
	"trading_core/internal/store"
	"trading_core/pkg/apperrors"
	"trading_core/pkg/telemetry"
)

// Projector drains the portfolio outbox.
type Projector struct {
	store   *store.Store
	logger  core.Logger
	metrics *telemetry.Metrics

	pollInterval time.Duration
	batchSize    int
	staleness    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewProjector creates a projector. metrics may be nil.
func NewProjector(cfg *config.Config, st *store.Store, logger core.Logger, metrics *telemetry.Metrics) *Projector {
	return &Projector{
		store:        st,
		logger:       logger.WithField("component", "portfolio_projector"),
		metrics:      metrics,
		pollInterval: time.Duration(cfg.Portfolio.PollIntervalMs) * time.Millisecond,
		batchSize:    cfg.Portfolio.BatchSize,
		staleness:    time.Duration(cfg.Portfolio.StalenessSec) * time.Second,
		now:          time.Now,
	}
}

// Start launches the polling loop.
func (p *Projector) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := p.ProcessBatch(runCtx); err != nil {
					p.logger.Error("Projection batch failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the loop and waits for an in-flight batch.
func (p *Projector) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// ProcessBatch applies one batch of outbox rows and returns how many were
// processed. A failure applying a row parks its (user, symbol) for the rest
// of the batch, preserving per-key ordering without stalling other keys.
func (p *Projector) ProcessBatch(ctx context.Context) (int, error) {
	rows, err := p.store.FetchUnprocessedOutbox(ctx, p.store.DB(), p.batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	blocked := make(map[string]bool)
	for _, row := range rows {
		key := row.UserID + "/" + row.Symbol
		if blocked[key] {
			continue
		}

		if err := p.applyRow(ctx, row); err != nil {
			if apperrors.HasCode(err, apperrors.CodeOptimisticLock) {
				blocked[key] = true
				if p.metrics != nil {
					p.metrics.ProjectorConflicts.Add(ctx, 1)
				}
				p.logger.Warn("Version conflict applying outbox row, parking key",
					"outbox_id", row.ID, "user_id", row.UserID, "symbol", row.Symbol)
				continue
			}
			// Any other failure parks the key too: its rows stay ordered
			// and unprocessed, while the rest of the batch proceeds.
			blocked[key] = true
			p.logger.Error("Failed to apply outbox row, parking key",
				"error", err, "outbox_id", row.ID, "user_id", row.UserID, "symbol", row.Symbol)
			continue
		}
		processed++
	}

	if p.metrics != nil {
		if backlog, err := p.store.CountUnprocessedOutbox(ctx, p.store.DB()); err == nil {
			p.metrics.SetOutboxBacklog(backlog)
		}
	}
	return processed, nil
}

// applyRow applies one row and tombstones it in the same transaction, so a
// crash between the two cannot double-apply.
func (p *Projector) applyRow(ctx context.Context, row *core.OutboxRow) error {
	return p.store.WithTx(ctx, func(tx *sql.Tx) error {
		if row.EventType == core.OutboxFillProcessed {
			var payload core.FillPayload
			if err := json.Unmarshal(row.Payload, &payload); err != nil {
				return fmt.Errorf("malformed fill payload: %w", err)
			}
			if err := p.applyFill(ctx, tx, row, &payload); err != nil {
				return err
			}
		}
		// ORDER_CANCELED rows carry no position delta; they are consumed
		// by marking alone.
		return p.store.MarkOutboxProcessed(ctx, tx, row.ID, p.now().UTC())
	})
}

func (p *Projector) applyFill(ctx context.Context, tx *sql.Tx, row *core.OutboxRow, payload *core.FillPayload) error {
	position, err := p.store.GetPosition(ctx, tx, row.UserID, row.Symbol)
	if err != nil {
		return err
	}

	if position == nil {
		position = &core.Position{
			ID:          uuid.NewString(),
			UserID:      row.UserID,
			Symbol:      row.Symbol,
			Quantity:    decimal.Zero,
			RealizedPnL: decimal.Zero,
			TotalFees:   decimal.Zero,
			Version:     1,
		}
		applyFillMath(position, payload)
		position.UpdatedAt = p.now().UTC()
		position.DataAsOf = payload.Timestamp
		return p.store.InsertPosition(ctx, tx, position)
	}

	expected := position.Version
	applyFillMath(position, payload)
	position.UpdatedAt = p.now().UTC()
	position.DataAsOf = payload.Timestamp
	return p.store.UpdatePositionWithVersion(ctx, tx, position, expected)
}

// applyFillMath folds one fill into the position. BUYs extend or cover,
// SELLs reduce or build a short; crossing zero realizes PnL on the closed
// quantity and re-anchors the entry price to the fill for the residue.
func applyFillMath(p *core.Position, f *core.FillPayload) {
	signedQty := f.Quantity
	if f.Side == core.SideSell {
		signedQty = signedQty.Neg()
	}
	oldQty := p.Quantity
	newQty := oldQty.Add(signedQty)

	avg := decimal.Zero
	if p.AvgEntryPrice.Valid {
		avg = p.AvgEntryPrice.Decimal
	}

	switch {
	case oldQty.IsZero():
		// Opening from flat.
		p.AvgEntryPrice = decimal.NullDecimal{Decimal: f.Price, Valid: true}

	case oldQty.Sign() == signedQty.Sign():
		// Extending the existing side: weighted average on absolute size.
		notional := avg.Mul(oldQty.Abs()).Add(f.Price.Mul(f.Quantity))
		p.AvgEntryPrice = decimal.NullDecimal{Decimal: notional.Div(newQty.Abs()), Valid: true}

	case newQty.Sign() == oldQty.Sign() || newQty.IsZero():
		// Reducing without crossing zero: realize on the closed quantity,
		// entry price unchanged.
		closed := f.Quantity
		if oldQty.Sign() > 0 {
			p.RealizedPnL = p.RealizedPnL.Add(f.Price.Sub(avg).Mul(closed))
		} else {
			p.RealizedPnL = p.RealizedPnL.Add(avg.Sub(f.Price).Mul(closed))
		}
		if newQty.IsZero() {
			p.AvgEntryPrice = decimal.NullDecimal{}
		}

	default:
		// Crossing zero: realize on the entire old position, open the
		// residue at the fill price.
		closed := oldQty.Abs()
		if oldQty.Sign() > 0 {
			p.RealizedPnL = p.RealizedPnL.Add(f.Price.Sub(avg).Mul(closed))
		} else {
			p.RealizedPnL = p.RealizedPnL.Add(avg.Sub(f.Price).Mul(closed))
		}
		p.AvgEntryPrice = decimal.NullDecimal{Decimal: f.Price, Valid: true}
	}

	p.Quantity = newQty
	p.TotalFees = p.TotalFees.Add(f.Fee)
}

// Stale reports whether the projection for (user, symbol) lags its outbox
// feed past the staleness bound. Readers use it to qualify what they serve.
func (p *Projector) Stale(ctx context.Context, userID, symbol string) (bool, error) {
	oldest, err := p.store.OldestUnprocessedOutbox(ctx, p.store.DB(), userID, symbol)
	if err != nil {
		return false, err
	}
	if oldest == nil {
		return false, nil
	}
	return p.now().UTC().Sub(*oldest) > p.staleness, nil
}
