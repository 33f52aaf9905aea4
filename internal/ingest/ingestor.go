// Package ingest turns user-data-stream execution reports into state
// machine calls. The ingestor is stateless; idempotency lives in the fill
// dedup constraint and the transition graph.
package ingest

import (
	"context"

	"trading_core/internal/core"
	"trading_core/internal/exchange/binance"
	"trading_core/internal/orders"
	"trading_core/internal/store"
	"trading_core/pkg/apperrors"
	"trading_core/pkg/retry"
	"trading_core/pkg/telemetry"
)

// Ingestor consumes execution reports.
type Ingestor struct {
	store   *store.Store
	machine *orders.Machine
	logger  core.Logger
	metrics *telemetry.Metrics
}

// NewIngestor creates an ingestor. metrics may be nil.
func NewIngestor(st *store.Store, machine *orders.Machine, logger core.Logger, metrics *telemetry.Metrics) *Ingestor {
	return &Ingestor{
		store:   st,
		machine: machine,
		logger:  logger.WithField("component", "fill_ingestor"),
		metrics: metrics,
	}
}

// HandleReport processes one execution report. Reports with a trade
// component become fills; pure status updates become transitions. Unknown
// orders and out-of-order statuses are logged and dropped, never fatal:
// reconciliation repairs whatever the stream leaves inconsistent.
func (i *Ingestor) HandleReport(ctx context.Context, report *core.ExecutionReport) {
	order, err := i.store.GetOrderByExchangeOrderID(ctx, i.store.DB(), report.ExchangeOrderID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			i.logger.Warn("Execution report for unknown order",
				"exchange_order_id", report.ExchangeOrderID, "symbol", report.Symbol)
		} else {
			i.logger.Error("Failed to look up order for execution report",
				"error", err, "exchange_order_id", report.ExchangeOrderID)
		}
		return
	}

	if report.HasTrade() {
		i.handleTrade(ctx, order, report)
		return
	}
	i.handleStatus(ctx, order, report)
}

func (i *Ingestor) handleTrade(ctx context.Context, order *core.Order, report *core.ExecutionReport) {
	fill := &core.Fill{
		OrderID:        order.ID,
		ExchangeFillID: report.TradeID,
		Price:          report.LastPrice,
		Quantity:       report.LastQty,
		Fee:            report.Commission,
		FeeAsset:       report.CommissionAsset,
		ExchangeTime:   report.TransactTime,
		Source:         core.FillSourceWebsocket,
	}

	// The state machine, reconciler and projector share one writer; a busy
	// database is contention, not failure.
	var updated *core.Order
	err := retry.Do(ctx, retry.DefaultPolicy, store.IsBusy, func() error {
		var perr error
		updated, perr = i.machine.ProcessFill(ctx, fill)
		return perr
	})
	if err != nil {
		i.logger.Error("Failed to process fill from stream",
			"error", err, "order_id", order.ID, "exchange_fill_id", report.TradeID)
		return
	}
	if updated == nil {
		if i.metrics != nil {
			i.metrics.FillsDuplicateTotal.Add(ctx, 1)
		}
		return
	}
	if i.metrics != nil {
		i.metrics.FillsProcessedTotal.Add(ctx, 1)
		if updated.Status == core.StatusFilled {
			i.metrics.OrdersFilledTotal.Add(ctx, 1)
		}
	}
}

func (i *Ingestor) handleStatus(ctx context.Context, order *core.Order, report *core.ExecutionReport) {
	target, ok := binance.MapToLocalStatus(report.Status)
	if !ok {
		i.logger.Warn("Unmapped exchange status in execution report",
			"status", report.Status, "order_id", order.ID)
		return
	}
	if order.Status == target {
		return
	}

	_, err := i.machine.TransitionOrder(ctx, order.ID, target, map[string]interface{}{
		"source":         "stream",
		"exchangeStatus": string(report.Status),
	})
	if err != nil {
		// Out-of-order stream delivery commonly produces illegal edges;
		// the order keeps its current state and reconciliation settles it.
		if apperrors.HasCode(err, apperrors.CodeInvalidTransition) {
			i.logger.Warn("Ignoring out-of-order status update",
				"order_id", order.ID, "from", order.Status, "to", target)
			return
		}
		i.logger.Error("Failed to transition order from stream",
			"error", err, "order_id", order.ID, "to", target)
	}
}
