// Package reconcile periodically compares local order state against the
// exchange and repairs drift. The exchange is the source of truth for
// exchange-acknowledged orders; the one exception is a local fill the
// exchange denies, which is never overwritten, only flagged.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading_core/internal/config"
	"trading_core/internal/core"
	"trading_core/internal/exchange/binance"
	"trading_core/internal/orders"
	"trading_core/internal/store"
	"trading_core/pkg/apperrors"
	"trading_core/pkg/telemetry"
)

// Reconciler sweeps non-final orders on a fixed interval.
type Reconciler struct {
	store    *store.Store
	machine  *orders.Machine
	exchange core.ExchangeClient
	logger   core.Logger
	metrics  *telemetry.Metrics

	interval          time.Duration
	lookback          time.Duration
	submissionTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewReconciler creates a reconciler. metrics may be nil.
func NewReconciler(cfg *config.Config, st *store.Store, machine *orders.Machine, exchange core.ExchangeClient, logger core.Logger, metrics *telemetry.Metrics) *Reconciler {
	return &Reconciler{
		store:             st,
		machine:           machine,
		exchange:          exchange,
		logger:            logger.WithField("component", "reconciler"),
		metrics:           metrics,
		interval:          time.Duration(cfg.Reconciliation.IntervalMs) * time.Millisecond,
		lookback:          time.Duration(cfg.Reconciliation.LookbackHours) * time.Hour,
		submissionTimeout: time.Duration(cfg.Reconciliation.SubmissionTimeoutMs) * time.Millisecond,
		now:               time.Now,
	}
}

// Start launches the periodic sweep.
func (r *Reconciler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := r.Reconcile(runCtx); err != nil {
					r.logger.Error("Reconciliation run failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the sweep and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Reconcile runs one pass. Overlapping passes are skipped, not queued. Each
// run is bounded by the interval so a slow exchange cannot pile passes up.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if !r.mu.TryLock() {
		r.logger.Debug("Reconciliation already in progress, skipping")
		return nil
	}
	defer r.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	since := r.now().UTC().Add(-r.lookback)
	candidates, err := r.store.ListNonFinalOrders(runCtx, r.store.DB(), since)
	if err != nil {
		return fmt.Errorf("failed to list non-final orders: %w", err)
	}

	for _, order := range candidates {
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		// One bad order must not stall the rest of the sweep.
		if err := r.reconcileOrder(runCtx, order); err != nil {
			r.logger.Error("Failed to reconcile order", "error", err, "order_id", order.ID)
		}
	}
	return nil
}

func (r *Reconciler) reconcileOrder(ctx context.Context, order *core.Order) error {
	if order.ExchangeOrderID == "" {
		return r.reconcileUnsubmitted(ctx, order)
	}

	remote, err := r.exchange.QueryOrder(ctx, order.Symbol, order.ExchangeOrderID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return r.reconcileUnknownOnExchange(ctx, order)
		}
		return err
	}

	// A local fill the exchange denies means our books are ahead of the
	// venue. Automatic repair could double-count money, so flag and stop.
	if remote.ExecutedQty.LessThan(order.FilledQuantity) {
		return r.logAction(ctx, order, remote.Status, remote, core.ReconCriticalDiscrepancy,
			fmt.Sprintf("local filled %s exceeds exchange executed %s",
				order.FilledQuantity, remote.ExecutedQty))
	}

	fillsAdded := false
	if remote.ExecutedQty.GreaterThan(order.FilledQuantity) {
		n, err := r.importMissingFills(ctx, order, remote)
		if err != nil {
			return err
		}
		fillsAdded = n > 0
		// Reload: imported fills moved filled quantity and maybe status.
		order, err = r.machine.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
	}

	target, ok := binance.MapToLocalStatus(remote.Status)
	if !ok {
		return r.logAction(ctx, order, remote.Status, remote, core.ReconCriticalDiscrepancy,
			fmt.Sprintf("unmapped exchange status %s", remote.Status))
	}

	if order.Status == target {
		if fillsAdded {
			return r.logAction(ctx, order, remote.Status, remote, core.ReconFillsAdded, "imported missing fills")
		}
		return nil
	}

	updated, err := r.machine.TransitionOrder(ctx, order.ID, target, map[string]interface{}{
		"source":         "reconciliation",
		"exchangeStatus": string(remote.Status),
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeInvalidTransition) {
			return r.logAction(ctx, order, remote.Status, remote, core.ReconCriticalDiscrepancy,
				fmt.Sprintf("no legal path %s -> %s", order.Status, target))
		}
		return err
	}

	action := core.ReconStateUpdated
	if fillsAdded {
		action = core.ReconFillsAdded
	}
	return r.logAction(ctx, updated, remote.Status, remote, action,
		fmt.Sprintf("status %s -> %s", order.Status, target))
}

// reconcileUnsubmitted handles orders that never reached the exchange. A
// NEW order past the submission timeout is declared dead; younger ones may
// still be in flight in the submit pool.
func (r *Reconciler) reconcileUnsubmitted(ctx context.Context, order *core.Order) error {
	if order.Status != core.StatusNew {
		return r.logAction(ctx, order, "", nil, core.ReconCriticalDiscrepancy,
			fmt.Sprintf("status %s without exchange order id", order.Status))
	}
	if r.now().UTC().Sub(order.CreatedAt) < r.submissionTimeout {
		return nil
	}

	updated, err := r.machine.TransitionOrder(ctx, order.ID, core.StatusRejected, map[string]interface{}{
		"source": "reconciliation",
		"reason": "SUBMISSION_TIMEOUT",
	})
	if err != nil {
		return err
	}
	return r.logAction(ctx, updated, "", nil, core.ReconMarkedRejected, "submission timeout")
}

// reconcileUnknownOnExchange handles orders the exchange claims not to
// know despite a recorded exchange order id.
func (r *Reconciler) reconcileUnknownOnExchange(ctx context.Context, order *core.Order) error {
	if order.Status == core.StatusSubmitted && r.now().UTC().Sub(order.CreatedAt) >= r.submissionTimeout {
		updated, err := r.machine.TransitionOrder(ctx, order.ID, core.StatusRejected, map[string]interface{}{
			"source": "reconciliation",
			"reason": "unknown on exchange after submission timeout",
		})
		if err != nil {
			return err
		}
		return r.logAction(ctx, updated, "", nil, core.ReconMarkedRejected, "unknown on exchange")
	}
	return r.logAction(ctx, order, "", nil, core.ReconCriticalDiscrepancy,
		"exchange does not recognize recorded exchange order id")
}

// importMissingFills pulls the exchange's trade list and replays the ones
// the local books are missing, before any terminal transition so the fills
// land while the order can still accept them.
func (r *Reconciler) importMissingFills(ctx context.Context, order *core.Order, remote *core.ExchangeOrder) (int, error) {
	trades, err := r.exchange.ListOrderTrades(ctx, order.Symbol, order.ExchangeOrderID)
	if err != nil {
		return 0, err
	}

	// Fills need a fill-accepting status; SUBMITTED orders the exchange has
	// been filling are opened first.
	if order.Status == core.StatusSubmitted {
		if _, err := r.machine.TransitionOrder(ctx, order.ID, core.StatusOpen, map[string]interface{}{
			"source": "reconciliation",
		}); err != nil {
			return 0, err
		}
	}

	imported := 0
	for _, trade := range trades {
		exists, err := r.store.FillExists(ctx, r.store.DB(), trade.TradeID)
		if err != nil {
			return imported, err
		}
		if exists {
			continue
		}

		updated, err := r.machine.ProcessFill(ctx, &core.Fill{
			OrderID:        order.ID,
			ExchangeFillID: trade.TradeID,
			Price:          trade.Price,
			Quantity:       trade.Quantity,
			Fee:            trade.Commission,
			FeeAsset:       trade.CommissionAsset,
			ExchangeTime:   trade.Time,
			Source:         core.FillSourceReconciliation,
		})
		if err != nil {
			return imported, err
		}
		if updated != nil {
			imported++
			if r.metrics != nil {
				r.metrics.FillsProcessedTotal.Add(ctx, 1)
			}
		}
	}

	if imported > 0 {
		r.logger.Info("Imported missing fills",
			"order_id", order.ID, "count", imported, "exchange_executed", remote.ExecutedQty.String())
	}
	return imported, nil
}

func (r *Reconciler) logAction(ctx context.Context, order *core.Order, exchangeStatus core.ExchangeStatus, remote *core.ExchangeOrder, action core.ReconAction, detail string) error {
	entry := &core.ReconLogEntry{
		ID:             uuid.NewString(),
		OrderID:        order.ID,
		Action:         action,
		LocalStatus:    order.Status,
		ExchangeStatus: exchangeStatus,
		LocalFilled:    order.FilledQuantity,
		Detail:         detail,
		CreatedAt:      r.now().UTC(),
	}
	if remote != nil {
		entry.ExchangeFilled = remote.ExecutedQty
	}

	if action == core.ReconCriticalDiscrepancy {
		r.logger.Error("Reconciliation found critical discrepancy",
			"order_id", order.ID, "detail", detail,
			"local_status", order.Status, "exchange_status", exchangeStatus)
	} else {
		r.logger.Info("Reconciliation action",
			"order_id", order.ID, "action", action, "detail", detail)
	}
	if r.metrics != nil {
		r.metrics.RecordReconAction(ctx, string(action))
	}
	return r.store.InsertReconLog(ctx, r.store.DB(), entry)
}
