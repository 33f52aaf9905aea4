package binance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"trading_core/internal/core"
)

// orderResponse is the REST order shape shared by place, query and cancel.
type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	TransactTime  int64  `json:"transactTime"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r *orderResponse) toExchangeOrder() (*core.ExchangeOrder, error) {
	price, err := decimal.NewFromString(orZero(r.Price))
	if err != nil {
		return nil, fmt.Errorf("bad price %q: %w", r.Price, err)
	}
	qty, err := decimal.NewFromString(orZero(r.OrigQty))
	if err != nil {
		return nil, fmt.Errorf("bad origQty %q: %w", r.OrigQty, err)
	}
	executed, err := decimal.NewFromString(orZero(r.ExecutedQty))
	if err != nil {
		return nil, fmt.Errorf("bad executedQty %q: %w", r.ExecutedQty, err)
	}

	ts := r.UpdateTime
	if ts == 0 {
		ts = r.TransactTime
	}
	return &core.ExchangeOrder{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:   r.ClientOrderID,
		Symbol:          r.Symbol,
		Side:            core.OrderSide(r.Side),
		Type:            core.OrderType(r.Type),
		Status:          core.ExchangeStatus(r.Status),
		Price:           price,
		Quantity:        qty,
		ExecutedQty:     executed,
		UpdatedAt:       time.UnixMilli(ts).UTC(),
	}, nil
}

// tradeResponse is one row of GET /api/v3/myTrades.
type tradeResponse struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Symbol          string `json:"symbol"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
}

func (r *tradeResponse) toExchangeTrade() (*core.ExchangeTrade, error) {
	price, err := decimal.NewFromString(orZero(r.Price))
	if err != nil {
		return nil, fmt.Errorf("bad trade price %q: %w", r.Price, err)
	}
	qty, err := decimal.NewFromString(orZero(r.Qty))
	if err != nil {
		return nil, fmt.Errorf("bad trade qty %q: %w", r.Qty, err)
	}
	commission, err := decimal.NewFromString(orZero(r.Commission))
	if err != nil {
		return nil, fmt.Errorf("bad commission %q: %w", r.Commission, err)
	}
	return &core.ExchangeTrade{
		TradeID:         strconv.FormatInt(r.ID, 10),
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		Symbol:          r.Symbol,
		Price:           price,
		Quantity:        qty,
		Commission:      commission,
		CommissionAsset: r.CommissionAsset,
		Time:            time.UnixMilli(r.Time).UTC(),
	}, nil
}

// wsExecutionReport is the raw executionReport user-data-stream event.
type wsExecutionReport struct {
	EventType       string `json:"e"`
	Symbol          string `json:"s"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	LastQty         string `json:"l"`
	CumQty          string `json:"z"`
	LastPrice       string `json:"L"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TradeID         int64  `json:"t"`
	TransactTime    int64  `json:"T"`
}

func (r *wsExecutionReport) toExecutionReport() (*core.ExecutionReport, error) {
	lastQty, err := decimal.NewFromString(orZero(r.LastQty))
	if err != nil {
		return nil, fmt.Errorf("bad last qty %q: %w", r.LastQty, err)
	}
	cumQty, err := decimal.NewFromString(orZero(r.CumQty))
	if err != nil {
		return nil, fmt.Errorf("bad cumulative qty %q: %w", r.CumQty, err)
	}
	lastPrice, err := decimal.NewFromString(orZero(r.LastPrice))
	if err != nil {
		return nil, fmt.Errorf("bad last price %q: %w", r.LastPrice, err)
	}
	commission, err := decimal.NewFromString(orZero(r.Commission))
	if err != nil {
		return nil, fmt.Errorf("bad commission %q: %w", r.Commission, err)
	}

	report := &core.ExecutionReport{
		Symbol:          r.Symbol,
		Side:            core.OrderSide(r.Side),
		Type:            core.OrderType(r.OrderType),
		Status:          core.ExchangeStatus(r.Status),
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		LastQty:         lastQty,
		CumQty:          cumQty,
		LastPrice:       lastPrice,
		Commission:      commission,
		CommissionAsset: r.CommissionAsset,
		TransactTime:    time.UnixMilli(r.TransactTime).UTC(),
	}
	if r.TradeID > 0 {
		report.TradeID = strconv.FormatInt(r.TradeID, 10)
	}
	return report, nil
}

// apiError is the exchange error envelope.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// MapToLocalStatus translates an exchange order status into the local
// lifecycle status.
func MapToLocalStatus(s core.ExchangeStatus) (core.OrderStatus, bool) {
	switch s {
	case core.ExchangeStatusNew:
		return core.StatusOpen, true
	case core.ExchangeStatusPartiallyFilled:
		return core.StatusPartiallyFilled, true
	case core.ExchangeStatusFilled:
		return core.StatusFilled, true
	case core.ExchangeStatusCanceled:
		return core.StatusCanceled, true
	case core.ExchangeStatusPendingCancel:
		return core.StatusCanceling, true
	case core.ExchangeStatusRejected:
		return core.StatusRejected, true
	case core.ExchangeStatusExpired:
		return core.StatusExpired, true
	}
	return "", false
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
