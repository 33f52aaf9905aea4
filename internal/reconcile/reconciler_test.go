package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_core/internal/config"
	"trading_core/internal/core"
	"trading_core/internal/orders"
	"trading_core/internal/store"
	"trading_core/pkg/apperrors"
	"trading_core/pkg/logging"
)

// fakeExchange serves canned orders and trades keyed by exchange order id.
type fakeExchange struct {
	orders map[string]*core.ExchangeOrder
	trades map[string][]*core.ExchangeTrade
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		orders: make(map[string]*core.ExchangeOrder),
		trades: make(map[string][]*core.ExchangeTrade),
	}
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (*core.ExchangeOrder, error) {
	return nil, apperrors.New(apperrors.CodeInternal, "not implemented")
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return nil
}

func (f *fakeExchange) QueryOrder(ctx context.Context, symbol, exchangeOrderID string) (*core.ExchangeOrder, error) {
	o, ok := f.orders[exchangeOrderID]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "unknown order %s", exchangeOrderID)
	}
	return o, nil
}

func (f *fakeExchange) ListOpenOrders(ctx context.Context, symbol string) ([]*core.ExchangeOrder, error) {
	return nil, nil
}

func (f *fakeExchange) ListOrderTrades(ctx context.Context, symbol, exchangeOrderID string) ([]*core.ExchangeTrade, error) {
	return f.trades[exchangeOrderID], nil
}

func (f *fakeExchange) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func setup(t *testing.T) (*Reconciler, *orders.Machine, *store.Store, *fakeExchange) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	machine := orders.NewMachine(st, logging.NewNop())
	exchange := newFakeExchange()
	r := NewReconciler(config.DefaultConfig(), st, machine, exchange, logging.NewNop(), nil)
	return r, machine, st, exchange
}

func createOrder(t *testing.T, m *orders.Machine, qty string) *core.Order {
	t.Helper()
	o, err := m.CreateOrder(context.Background(), orders.CreateOrderRequest{
		UserID:   "u1",
		Symbol:   "BTCUSDT",
		Side:     core.SideBuy,
		Type:     core.TypeLimit,
		Quantity: decimal.RequireFromString(qty),
		Price:    decimal.NullDecimal{Decimal: decimal.RequireFromString("50000"), Valid: true},
	})
	require.NoError(t, err)
	return o
}

func openOrder(t *testing.T, m *orders.Machine, qty, exchangeOrderID string) *core.Order {
	t.Helper()
	ctx := context.Background()
	o := createOrder(t, m, qty)
	_, err := m.TransitionOrder(ctx, o.ID, core.StatusSubmitted, map[string]interface{}{"exchangeOrderId": exchangeOrderID})
	require.NoError(t, err)
	o, err = m.TransitionOrder(ctx, o.ID, core.StatusOpen, nil)
	require.NoError(t, err)
	return o
}

func remoteOrder(id string, status core.ExchangeStatus, executed string) *core.ExchangeOrder {
	return &core.ExchangeOrder{
		ExchangeOrderID: id,
		Symbol:          "BTCUSDT",
		Side:            core.SideBuy,
		Type:            core.TypeLimit,
		Status:          status,
		Price:           decimal.RequireFromString("50000"),
		Quantity:        decimal.RequireFromString("1"),
		ExecutedQty:     decimal.RequireFromString(executed),
		UpdatedAt:       time.Now().UTC(),
	}
}

func trade(orderID, tradeID, price, qty string) *core.ExchangeTrade {
	return &core.ExchangeTrade{
		TradeID:         tradeID,
		ExchangeOrderID: orderID,
		Symbol:          "BTCUSDT",
		Price:           decimal.RequireFromString(price),
		Quantity:        decimal.RequireFromString(qty),
		Commission:      decimal.RequireFromString("0.001"),
		CommissionAsset: "USDT",
		Time:            time.Now().UTC(),
	}
}

func lastAction(t *testing.T, st *store.Store, orderID string) *core.ReconLogEntry {
	t.Helper()
	entries, err := st.ListReconLogByOrder(context.Background(), st.DB(), orderID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

func TestStateUpdatedFromExchange(t *testing.T) {
	r, m, st, ex := setup(t)
	ctx := context.Background()

	o := openOrder(t, m, "1", "E-1")
	ex.orders["E-1"] = remoteOrder("E-1", core.ExchangeStatusCanceled, "0")

	require.NoError(t, r.Reconcile(ctx))

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, got.Status)
	assert.Equal(t, core.ReconStateUpdated, lastAction(t, st, o.ID).Action)
}

func TestGapRecoveryImportsFills(t *testing.T) {
	r, m, st, ex := setup(t)
	ctx := context.Background()

	o := openOrder(t, m, "1", "E-1")
	ex.orders["E-1"] = remoteOrder("E-1", core.ExchangeStatusFilled, "1")
	ex.trades["E-1"] = []*core.ExchangeTrade{
		trade("E-1", "T-1", "50000", "0.6"),
		trade("E-1", "T-2", "50010", "0.4"),
	}

	require.NoError(t, r.Reconcile(ctx))

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.RequireFromString("1")))

	fills, err := st.ListFillsByOrder(ctx, st.DB(), o.ID)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, core.FillSourceReconciliation, fills[0].Source)

	assert.Equal(t, core.ReconFillsAdded, lastAction(t, st, o.ID).Action)
}

func TestGapRecoverySkipsKnownFills(t *testing.T) {
	r, m, st, ex := setup(t)
	ctx := context.Background()

	o := openOrder(t, m, "1", "E-1")
	_, err := m.ProcessFill(ctx, &core.Fill{
		OrderID:        o.ID,
		ExchangeFillID: "T-1",
		Price:          decimal.RequireFromString("50000"),
		Quantity:       decimal.RequireFromString("0.6"),
		Fee:            decimal.Zero,
		ExchangeTime:   time.Now().UTC(),
		Source:         core.FillSourceWebsocket,
	})
	require.NoError(t, err)

	ex.orders["E-1"] = remoteOrder("E-1", core.ExchangeStatusFilled, "1")
	ex.trades["E-1"] = []*core.ExchangeTrade{
		trade("E-1", "T-1", "50000", "0.6"),
		trade("E-1", "T-2", "50010", "0.4"),
	}

	require.NoError(t, r.Reconcile(ctx))

	fills, err := st.ListFillsByOrder(ctx, st.DB(), o.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 2, "only the missing trade is imported")

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, got.Status)
}

func TestCanceledWithPartialFills(t *testing.T) {
	r, m, _, ex := setup(t)
	ctx := context.Background()

	o := openOrder(t, m, "1", "E-1")
	ex.orders["E-1"] = remoteOrder("E-1", core.ExchangeStatusCanceled, "0.3")
	ex.trades["E-1"] = []*core.ExchangeTrade{trade("E-1", "T-1", "50000", "0.3")}

	require.NoError(t, r.Reconcile(ctx))

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.RequireFromString("0.3")),
		"fills import before the terminal transition")
}

func TestCriticalDiscrepancyNeverMutates(t *testing.T) {
	r, m, st, ex := setup(t)
	ctx := context.Background()

	o := openOrder(t, m, "1", "E-1")
	_, err := m.ProcessFill(ctx, &core.Fill{
		OrderID:        o.ID,
		ExchangeFillID: "T-local",
		Price:          decimal.RequireFromString("50000"),
		Quantity:       decimal.RequireFromString("0.5"),
		Fee:            decimal.Zero,
		ExchangeTime:   time.Now().UTC(),
		Source:         core.FillSourceWebsocket,
	})
	require.NoError(t, err)

	// Exchange claims less was executed than we recorded.
	ex.orders["E-1"] = remoteOrder("E-1", core.ExchangeStatusNew, "0")

	require.NoError(t, r.Reconcile(ctx))

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPartiallyFilled, got.Status, "state must not change")
	assert.True(t, got.FilledQuantity.Equal(decimal.RequireFromString("0.5")))

	entry := lastAction(t, st, o.ID)
	assert.Equal(t, core.ReconCriticalDiscrepancy, entry.Action)
}

func TestSubmissionTimeoutRejectsNew(t *testing.T) {
	r, m, st, _ := setup(t)
	ctx := context.Background()

	o := createOrder(t, m, "1")

	// Young NEW orders are left alone.
	require.NoError(t, r.Reconcile(ctx))
	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusNew, got.Status)

	// Past the submission timeout the order is declared dead.
	r.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	require.NoError(t, r.Reconcile(ctx))

	got, err = m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRejected, got.Status)
	assert.Equal(t, core.ReconMarkedRejected, lastAction(t, st, o.ID).Action)
}

func TestUnknownOnExchangeAfterTimeout(t *testing.T) {
	r, m, st, _ := setup(t)
	ctx := context.Background()

	o := createOrder(t, m, "1")
	_, err := m.TransitionOrder(ctx, o.ID, core.StatusSubmitted, map[string]interface{}{"exchangeOrderId": "E-lost"})
	require.NoError(t, err)

	r.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	require.NoError(t, r.Reconcile(ctx))

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRejected, got.Status)
	assert.Equal(t, core.ReconMarkedRejected, lastAction(t, st, o.ID).Action)
}

func TestNoChangeLeavesNoLog(t *testing.T) {
	r, m, st, ex := setup(t)
	ctx := context.Background()

	o := openOrder(t, m, "1", "E-1")
	ex.orders["E-1"] = remoteOrder("E-1", core.ExchangeStatusNew, "0")

	require.NoError(t, r.Reconcile(ctx))

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusOpen, got.Status)

	entries, err := st.ListReconLogByOrder(ctx, st.DB(), o.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
