package orders

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_core/internal/core"
	"trading_core/internal/store"
	"trading_core/pkg/apperrors"
	"trading_core/pkg/logging"
)

func setup(t *testing.T) (*Machine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewMachine(st, logging.NewNop()), st
}

func limitBuy(qty, price string) CreateOrderRequest {
	return CreateOrderRequest{
		UserID:   "u1",
		Symbol:   "BTCUSDT",
		Side:     core.SideBuy,
		Type:     core.TypeLimit,
		Quantity: decimal.RequireFromString(qty),
		Price:    decimal.NullDecimal{Decimal: decimal.RequireFromString(price), Valid: true},
	}
}

func openOrder(t *testing.T, m *Machine, qty, price string) *core.Order {
	t.Helper()
	ctx := context.Background()
	o, err := m.CreateOrder(ctx, limitBuy(qty, price))
	require.NoError(t, err)
	_, err = m.TransitionOrder(ctx, o.ID, core.StatusSubmitted, map[string]interface{}{"exchangeOrderId": "E-" + o.ID[:8]})
	require.NoError(t, err)
	o, err = m.TransitionOrder(ctx, o.ID, core.StatusOpen, nil)
	require.NoError(t, err)
	return o
}

func fill(orderID, fillID, price, qty string) *core.Fill {
	return &core.Fill{
		OrderID:        orderID,
		ExchangeFillID: fillID,
		Price:          decimal.RequireFromString(price),
		Quantity:       decimal.RequireFromString(qty),
		Fee:            decimal.RequireFromString("0.001"),
		FeeAsset:       "USDT",
		ExchangeTime:   time.Now().UTC(),
		Source:         core.FillSourceWebsocket,
	}
}

func TestCreateOrderValidation(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateOrderRequest)
	}{
		{"missing user", func(r *CreateOrderRequest) { r.UserID = "" }},
		{"missing symbol", func(r *CreateOrderRequest) { r.Symbol = "" }},
		{"bad side", func(r *CreateOrderRequest) { r.Side = "LONG" }},
		{"bad type", func(r *CreateOrderRequest) { r.Type = "ICEBERG" }},
		{"zero quantity", func(r *CreateOrderRequest) { r.Quantity = decimal.Zero }},
		{"negative quantity", func(r *CreateOrderRequest) { r.Quantity = decimal.RequireFromString("-1") }},
		{"limit without price", func(r *CreateOrderRequest) { r.Price = decimal.NullDecimal{} }},
		{"market with price", func(r *CreateOrderRequest) { r.Type = core.TypeMarket }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := limitBuy("1", "50000")
			tt.mutate(&req)
			_, err := m.CreateOrder(ctx, req)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
		})
	}
}

func TestCreateOrderWritesEvent(t *testing.T) {
	m, st := setup(t)
	ctx := context.Background()

	o, err := m.CreateOrder(ctx, limitBuy("1", "50000"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusNew, o.Status)
	assert.True(t, o.FilledQuantity.IsZero())
	assert.False(t, o.AvgFillPrice.Valid)

	events, err := st.ListOrderEvents(ctx, st.DB(), o.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventCreated, events[0].Type)
	assert.Equal(t, int64(1), events[0].Sequence)
}

func TestTransitionGraph(t *testing.T) {
	tests := []struct {
		from, to core.OrderStatus
		ok       bool
	}{
		{core.StatusNew, core.StatusSubmitted, true},
		{core.StatusNew, core.StatusRejected, true},
		{core.StatusNew, core.StatusOpen, false},
		{core.StatusNew, core.StatusFilled, false},
		{core.StatusSubmitted, core.StatusOpen, true},
		{core.StatusSubmitted, core.StatusFilled, true},
		{core.StatusOpen, core.StatusCanceling, true},
		{core.StatusOpen, core.StatusNew, false},
		{core.StatusPartiallyFilled, core.StatusFilled, true},
		{core.StatusPartiallyFilled, core.StatusRejected, true},
		{core.StatusPartiallyFilled, core.StatusSubmitted, false},
		{core.StatusCanceling, core.StatusCanceled, true},
		{core.StatusCanceling, core.StatusFilled, true},
		{core.StatusFilled, core.StatusCanceled, false},
		{core.StatusCanceled, core.StatusOpen, false},
		{core.StatusRejected, core.StatusSubmitted, false},
		{core.StatusExpired, core.StatusOpen, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionOrderRejectsIllegalEdge(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	o, err := m.CreateOrder(ctx, limitBuy("1", "50000"))
	require.NoError(t, err)

	_, err = m.TransitionOrder(ctx, o.ID, core.StatusFilled, nil)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))

	// The order is untouched.
	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusNew, got.Status)
}

func TestTransitionRecordsExchangeOrderID(t *testing.T) {
	m, st := setup(t)
	ctx := context.Background()

	o, err := m.CreateOrder(ctx, limitBuy("1", "50000"))
	require.NoError(t, err)

	o, err = m.TransitionOrder(ctx, o.ID, core.StatusSubmitted, map[string]interface{}{"exchangeOrderId": "E-42"})
	require.NoError(t, err)
	assert.Equal(t, "E-42", o.ExchangeOrderID)

	// Immutable once set.
	o, err = m.TransitionOrder(ctx, o.ID, core.StatusOpen, map[string]interface{}{"exchangeOrderId": "E-other"})
	require.NoError(t, err)
	assert.Equal(t, "E-42", o.ExchangeOrderID)

	events, err := st.ListOrderEvents(ctx, st.DB(), o.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, core.EventSubmitted, events[1].Type)
	assert.Equal(t, core.EventOpened, events[2].Type)
}

func TestProcessFillHappyPath(t *testing.T) {
	m, st := setup(t)
	ctx := context.Background()
	o := openOrder(t, m, "1.0", "50010")

	got, err := m.ProcessFill(ctx, fill(o.ID, "T-1", "50001", "0.5"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, got.AvgFillPrice.Decimal.Equal(decimal.RequireFromString("50001")))

	got, err = m.ProcessFill(ctx, fill(o.ID, "T-2", "50003", "0.5"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.RequireFromString("1.0")))
	assert.True(t, got.AvgFillPrice.Decimal.Equal(decimal.RequireFromString("50002")),
		"avg fill price should be 50002, got %s", got.AvgFillPrice.Decimal)

	// One outbox row per fill, FIFO.
	rows, err := st.FetchUnprocessedOutbox(ctx, st.DB(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, core.OutboxFillProcessed, rows[0].EventType)
	assert.Less(t, rows[0].ID, rows[1].ID)

	// Event log is dense: CREATED, SUBMITTED, OPENED, PARTIAL_FILL, FILLED.
	events, err := st.ListOrderEvents(ctx, st.DB(), o.ID)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.Equal(t, core.EventFilled, events[4].Type)
}

func TestProcessFillDuplicateDiscarded(t *testing.T) {
	m, st := setup(t)
	ctx := context.Background()
	o := openOrder(t, m, "1.0", "50000")

	_, err := m.ProcessFill(ctx, fill(o.ID, "T-1", "50000", "0.5"))
	require.NoError(t, err)

	got, err := m.ProcessFill(ctx, fill(o.ID, "T-1", "50000", "0.5"))
	require.NoError(t, err)
	assert.Nil(t, got, "duplicate fill must be discarded silently")

	// State unchanged by the duplicate.
	reloaded, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.FilledQuantity.Equal(decimal.RequireFromString("0.5")))

	fills, err := st.ListFillsByOrder(ctx, st.DB(), o.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)

	rows, err := st.FetchUnprocessedOutbox(ctx, st.DB(), 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "duplicate must not produce an outbox row")
}

func TestDuplicateFillAfterFilledDiscarded(t *testing.T) {
	m, st := setup(t)
	ctx := context.Background()
	o := openOrder(t, m, "0.1", "50000")

	_, err := m.ProcessFill(ctx, fill(o.ID, "T-1", "49990", "0.04"))
	require.NoError(t, err)
	got, err := m.ProcessFill(ctx, fill(o.ID, "T-2", "50010", "0.06"))
	require.NoError(t, err)
	require.Equal(t, core.StatusFilled, got.Status)

	// A stream reconnect replaying the first trade after the order settled
	// is still a duplicate, not a state error.
	replayed, err := m.ProcessFill(ctx, fill(o.ID, "T-1", "49990", "0.04"))
	require.NoError(t, err)
	assert.Nil(t, replayed)

	reloaded, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, reloaded.Status)
	assert.True(t, reloaded.FilledQuantity.Equal(decimal.RequireFromString("0.1")))

	fills, err := st.ListFillsByOrder(ctx, st.DB(), o.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	rows, err := st.FetchUnprocessedOutbox(ctx, st.DB(), 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "replay must not produce an outbox row")
}

func TestProcessFillExceedsOrder(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()
	o := openOrder(t, m, "1.0", "50000")

	_, err := m.ProcessFill(ctx, fill(o.ID, "T-1", "50000", "0.7"))
	require.NoError(t, err)

	_, err = m.ProcessFill(ctx, fill(o.ID, "T-2", "50000", "0.4"))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeFillExceedsOrder))

	// Rejected fill leaves no trace.
	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.FilledQuantity.Equal(decimal.RequireFromString("0.7")))
}

func TestProcessFillRequiresOpenState(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	o, err := m.CreateOrder(ctx, limitBuy("1", "50000"))
	require.NoError(t, err)

	_, err = m.ProcessFill(ctx, fill(o.ID, "T-1", "50000", "0.5"))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidStateForFill))
}

func TestCancelingAcceptsFills(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()
	o := openOrder(t, m, "1.0", "50000")

	_, err := m.TransitionOrder(ctx, o.ID, core.StatusCanceling, nil)
	require.NoError(t, err)

	// A partial fill racing the cancel keeps the cancel intent.
	got, err := m.ProcessFill(ctx, fill(o.ID, "T-1", "50000", "0.3"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceling, got.Status)

	// Full completion wins over cancellation.
	got, err = m.ProcessFill(ctx, fill(o.ID, "T-2", "50000", "0.7"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, got.Status)
}

func TestCanceledOrderWritesOutboxRow(t *testing.T) {
	m, st := setup(t)
	ctx := context.Background()
	o := openOrder(t, m, "1.0", "50000")

	_, err := m.TransitionOrder(ctx, o.ID, core.StatusCanceling, nil)
	require.NoError(t, err)
	_, err = m.TransitionOrder(ctx, o.ID, core.StatusCanceled, nil)
	require.NoError(t, err)

	rows, err := st.FetchUnprocessedOutbox(ctx, st.DB(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, core.OutboxOrderCanceled, rows[0].EventType)
	assert.Equal(t, o.ID, rows[0].OrderID)
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()
	o := openOrder(t, m, "1.0", "50000")

	_, err := m.ProcessFill(ctx, fill(o.ID, "T-1", "50000", "1.0"))
	require.NoError(t, err)

	for _, to := range []core.OrderStatus{core.StatusOpen, core.StatusCanceled, core.StatusRejected} {
		_, err := m.TransitionOrder(ctx, o.ID, to, nil)
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
	}

	_, err = m.ProcessFill(ctx, fill(o.ID, "T-2", "50000", "0.1"))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidStateForFill))
}
