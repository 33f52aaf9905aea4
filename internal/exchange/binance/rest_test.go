package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_core/internal/config"
	"trading_core/internal/core"
	"trading_core/pkg/apperrors"
	"trading_core/pkg/logging"
)

func testClient(t *testing.T, baseURL string) *RestClient {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Exchange.APIKey = "test-key"
	cfg.Exchange.SecretKey = "test-secret"
	cfg.Exchange.BaseURL = baseURL

	c := NewRestClient(cfg, logging.NewNop(), nil)
	t.Cleanup(c.Stop)
	return c
}

func TestSignature(t *testing.T) {
	c := testClient(t, "http://unused")

	query := "symbol=BTCUSDT&side=BUY&timestamp=1700000000000"
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(query))
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, c.sign(query))
}

func TestPlaceOrderSignsAndParses(t *testing.T) {
	var gotQuery url.Values
	var gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v3/order", r.URL.Path)
		gotQuery = r.URL.Query()
		gotAPIKey = r.Header.Get("X-MBX-APIKEY")
		_, _ = w.Write([]byte(`{
			"symbol": "BTCUSDT", "orderId": 12345, "clientOrderId": "c-1",
			"price": "50000", "origQty": "1.5", "executedQty": "0",
			"status": "NEW", "type": "LIMIT", "side": "BUY", "transactTime": 1700000000000
		}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	order, err := c.PlaceOrder(context.Background(), core.PlaceOrderRequest{
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		Type:          core.TypeLimit,
		Quantity:      "1.5",
		Price:         "50000",
		ClientOrderID: "c-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotAPIKey)
	assert.Equal(t, "BTCUSDT", gotQuery.Get("symbol"))
	assert.Equal(t, "BUY", gotQuery.Get("side"))
	assert.Equal(t, "LIMIT", gotQuery.Get("type"))
	assert.Equal(t, "GTC", gotQuery.Get("timeInForce"))
	assert.Equal(t, "c-1", gotQuery.Get("newClientOrderId"))
	assert.NotEmpty(t, gotQuery.Get("timestamp"))
	assert.NotEmpty(t, gotQuery.Get("signature"))

	assert.Equal(t, "12345", order.ExchangeOrderID)
	assert.Equal(t, core.ExchangeStatusNew, order.Status)
	assert.True(t, order.Quantity.Equal(decimalFromString(t, "1.5")))
}

func TestAPIErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		body string
		code apperrors.Code
	}{
		{"invalid parameter", `{"code": -1013, "msg": "Invalid quantity"}`, apperrors.CodeValidation},
		{"unknown order", `{"code": -2011, "msg": "Unknown order sent"}`, apperrors.CodeNotFound},
		{"rate limited", `{"code": -1003, "msg": "Too many requests"}`, apperrors.CodeExchangeUnavailable},
		{"generic", `{"code": -2010, "msg": "Account has insufficient balance"}`, apperrors.CodeExchangeAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := testClient(t, srv.URL)
			err := c.CancelOrder(context.Background(), "BTCUSDT", "1")
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, tt.code), "want %s, got %v", tt.code, err)
		})
	}
}

func TestCircuitBreakerOpensOnServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Exchange.APIKey = "k"
	cfg.Exchange.SecretKey = "s"
	cfg.Exchange.BaseURL = srv.URL
	cfg.CircuitBreaker.FailureThreshold = 2
	cfg.CircuitBreaker.WindowSize = 2
	c := NewRestClient(cfg, logging.NewNop(), nil)
	defer c.Stop()

	ctx := context.Background()
	for i := 0; i < 3 && !c.BreakerOpen(); i++ {
		_ = c.CancelOrder(ctx, "BTCUSDT", "1")
	}
	assert.True(t, c.BreakerOpen())

	err := c.CancelOrder(ctx, "BTCUSDT", "1")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeExchangeUnavailable))
}

func TestCircuitBreakerHoldsUntilWindowFull(t *testing.T) {
	// Defaults: 5 failures over a 10-execution window. A cold breaker must
	// not trip on the first 5 failures; the decision waits for a full
	// window of samples.
	c := testClient(t, "http://unused")

	for i := 0; i < 5; i++ {
		c.breaker.RecordFailure()
	}
	assert.False(t, c.BreakerOpen(), "breaker decided before seeing a full window")

	for i := 0; i < 5; i++ {
		c.breaker.RecordFailure()
	}
	assert.True(t, c.BreakerOpen())
}

func TestServerTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/time", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("signature"), "server time must be unsigned")
		_, _ = w.Write([]byte(`{"serverTime": 1700000000000}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	got, err := c.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), got)
}

func TestCreateAndRefreshListenKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/userDataStream", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		switch r.Method {
		case http.MethodPost:
			_, _ = w.Write([]byte(`{"listenKey": "lk-123"}`))
		case http.MethodPut:
			assert.Equal(t, "lk-123", r.URL.Query().Get("listenKey"))
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	key, err := c.CreateListenKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lk-123", key)
	require.NoError(t, c.KeepAliveListenKey(context.Background(), key))
}
