package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_core/internal/core"
	"trading_core/internal/orders"
	"trading_core/internal/store"
	"trading_core/pkg/logging"
)

func setup(t *testing.T) (*Ingestor, *orders.Machine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	machine := orders.NewMachine(st, logging.NewNop())
	return NewIngestor(st, machine, logging.NewNop(), nil), machine, st
}

func openOrder(t *testing.T, m *orders.Machine, exchangeOrderID string) *core.Order {
	t.Helper()
	ctx := context.Background()
	o, err := m.CreateOrder(ctx, orders.CreateOrderRequest{
		UserID:   "u1",
		Symbol:   "BTCUSDT",
		Side:     core.SideBuy,
		Type:     core.TypeLimit,
		Quantity: decimal.RequireFromString("1"),
		Price:    decimal.NullDecimal{Decimal: decimal.RequireFromString("50000"), Valid: true},
	})
	require.NoError(t, err)
	_, err = m.TransitionOrder(ctx, o.ID, core.StatusSubmitted, map[string]interface{}{"exchangeOrderId": exchangeOrderID})
	require.NoError(t, err)
	o, err = m.TransitionOrder(ctx, o.ID, core.StatusOpen, nil)
	require.NoError(t, err)
	return o
}

func tradeReport(exchangeOrderID, tradeID, price, qty string, status core.ExchangeStatus) *core.ExecutionReport {
	return &core.ExecutionReport{
		Symbol:          "BTCUSDT",
		Side:            core.SideBuy,
		Type:            core.TypeLimit,
		Status:          status,
		ExchangeOrderID: exchangeOrderID,
		LastQty:         decimal.RequireFromString(qty),
		LastPrice:       decimal.RequireFromString(price),
		Commission:      decimal.RequireFromString("0.001"),
		CommissionAsset: "USDT",
		TradeID:         tradeID,
		TransactTime:    time.Now().UTC(),
	}
}

func statusReport(exchangeOrderID string, status core.ExchangeStatus) *core.ExecutionReport {
	return &core.ExecutionReport{
		Symbol:          "BTCUSDT",
		Status:          status,
		ExchangeOrderID: exchangeOrderID,
		TransactTime:    time.Now().UTC(),
	}
}

func TestTradeReportBecomesFill(t *testing.T) {
	ing, m, st := setup(t)
	ctx := context.Background()
	o := openOrder(t, m, "E-1")

	ing.HandleReport(ctx, tradeReport("E-1", "T-1", "50000", "0.4", core.ExchangeStatusPartiallyFilled))

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.RequireFromString("0.4")))

	fills, err := st.ListFillsByOrder(ctx, st.DB(), o.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, core.FillSourceWebsocket, fills[0].Source)
}

func TestDuplicateTradeReportIgnored(t *testing.T) {
	ing, m, st := setup(t)
	ctx := context.Background()
	o := openOrder(t, m, "E-1")

	report := tradeReport("E-1", "T-1", "50000", "0.4", core.ExchangeStatusPartiallyFilled)
	ing.HandleReport(ctx, report)
	ing.HandleReport(ctx, report)

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.FilledQuantity.Equal(decimal.RequireFromString("0.4")))

	fills, err := st.ListFillsByOrder(ctx, st.DB(), o.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestStatusReportTransitionsOrder(t *testing.T) {
	ing, m, _ := setup(t)
	ctx := context.Background()
	o := openOrder(t, m, "E-1")

	ing.HandleReport(ctx, statusReport("E-1", core.ExchangeStatusCanceled))

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, got.Status)
}

func TestStatusReportSameStatusSkipped(t *testing.T) {
	ing, m, st := setup(t)
	ctx := context.Background()
	o := openOrder(t, m, "E-1")

	// NEW maps to local OPEN; the order already is OPEN, so no event.
	ing.HandleReport(ctx, statusReport("E-1", core.ExchangeStatusNew))

	events, err := st.ListOrderEvents(ctx, st.DB(), o.ID)
	require.NoError(t, err)
	assert.Len(t, events, 3, "no event should be appended for a no-op status")
}

func TestUnknownOrderDropped(t *testing.T) {
	ing, _, st := setup(t)
	ctx := context.Background()

	ing.HandleReport(ctx, tradeReport("E-missing", "T-1", "50000", "1", core.ExchangeStatusFilled))

	rows, err := st.FetchUnprocessedOutbox(ctx, st.DB(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestOutOfOrderStatusIgnored(t *testing.T) {
	ing, m, _ := setup(t)
	ctx := context.Background()
	o := openOrder(t, m, "E-1")

	// Fill it completely, then deliver a stale CANCELED.
	ing.HandleReport(ctx, tradeReport("E-1", "T-1", "50000", "1", core.ExchangeStatusFilled))
	ing.HandleReport(ctx, statusReport("E-1", core.ExchangeStatusCanceled))

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, got.Status)
}
