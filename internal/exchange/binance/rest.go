// Package binance adapts the spot exchange's REST API and user data stream
// to the execution core's interfaces. All outbound calls pass through a
// bounded-queue token bucket and a sliding-window circuit breaker.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"trading_core/internal/config"
	"trading_core/internal/core"
	"trading_core/pkg/apperrors"
	"trading_core/pkg/ratelimit"
	"trading_core/pkg/telemetry"
)

// breakerWindowPeriod is the rolling period over which the breaker's
// failure rate is measured.
const breakerWindowPeriod = time.Minute

// RestClient implements core.ExchangeClient against the spot REST API.
type RestClient struct {
	apiKey    string
	secretKey string
	baseURL   string

	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breaker    circuitbreaker.CircuitBreaker[*http.Response]
	pipeline   failsafe.Executor[*http.Response]

	logger  core.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewRestClient builds a client with the retry and breaker pipeline sized
// from config. metrics may be nil.
func NewRestClient(cfg *config.Config, logger core.Logger, metrics *telemetry.Metrics) *RestClient {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			// Retry on network errors or 5xx/429 responses.
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	// Rate thresholding: the breaker holds its decision until a full
	// window of executions has been observed, so a burst of failures on a
	// cold breaker does not trip it before the sample is meaningful.
	failureRate := float64(cfg.CircuitBreaker.FailureThreshold) / float64(cfg.CircuitBreaker.WindowSize)
	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			return resp.StatusCode >= 500
		}).
		WithFailureRateThreshold(failureRate, uint(cfg.CircuitBreaker.WindowSize), breakerWindowPeriod).
		WithSuccessThreshold(uint(cfg.CircuitBreaker.SuccessThreshold)).
		WithDelay(time.Duration(cfg.CircuitBreaker.TimeoutMs) * time.Millisecond).
		Build()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Capacity:     cfg.RateLimiter.Capacity,
		RefillPerSec: cfg.RateLimiter.RefillPerSec,
		MaxQueueSize: cfg.RateLimiter.MaxQueueSize,
		MaxWait:      time.Duration(cfg.RateLimiter.MaxWaitMs) * time.Millisecond,
	})

	return &RestClient{
		apiKey:     cfg.Exchange.APIKey,
		secretKey:  cfg.Exchange.SecretKey,
		baseURL:    cfg.Exchange.BaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
		breaker:    breaker,
		pipeline:   failsafe.With[*http.Response](retryPolicy, breaker),
		logger:     logger.WithField("component", "binance_rest"),
		metrics:    metrics,
		now:        time.Now,
	}
}

// Stop fails queued callers and rejects new requests.
func (c *RestClient) Stop() {
	c.limiter.Stop()
}

// BreakerOpen reports whether the circuit breaker is currently open.
func (c *RestClient) BreakerOpen() bool {
	return c.breaker.IsOpen()
}

// PlaceOrder submits an order. clientOrderID is echoed back by the
// exchange, making resubmission after a timeout idempotent on its side.
func (c *RestClient) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (*core.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("quantity", req.Quantity)
	switch req.Type {
	case core.TypeLimit:
		params.Set("type", "LIMIT")
		params.Set("price", req.Price)
		params.Set("timeInForce", "GTC")
	case core.TypeMarket:
		params.Set("type", "MARKET")
	default:
		params.Set("type", string(req.Type))
		params.Set("price", req.Price)
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	return resp.toExchangeOrder()
}

// CancelOrder requests cancellation of an order by exchange id.
func (c *RestClient) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)

	_, err := c.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

// QueryOrder fetches the exchange's view of an order.
func (c *RestClient) QueryOrder(ctx context.Context, symbol, exchangeOrderID string) (*core.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)

	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	return resp.toExchangeOrder()
}

// ListOpenOrders fetches all open orders for a symbol.
func (c *RestClient) ListOpenOrders(ctx context.Context, symbol string) ([]*core.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}

	var resps []orderResponse
	if err := json.Unmarshal(body, &resps); err != nil {
		return nil, fmt.Errorf("failed to decode open orders response: %w", err)
	}
	out := make([]*core.ExchangeOrder, 0, len(resps))
	for i := range resps {
		o, err := resps[i].toExchangeOrder()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// ListOrderTrades fetches the trades the exchange recorded for an order.
func (c *RestClient) ListOrderTrades(ctx context.Context, symbol, exchangeOrderID string) ([]*core.ExchangeTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)

	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/myTrades", params)
	if err != nil {
		return nil, err
	}

	var resps []tradeResponse
	if err := json.Unmarshal(body, &resps); err != nil {
		return nil, fmt.Errorf("failed to decode trades response: %w", err)
	}
	out := make([]*core.ExchangeTrade, 0, len(resps))
	for i := range resps {
		tr, err := resps[i].toExchangeTrade()
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// ServerTime fetches the exchange clock, used at startup to log skew.
func (c *RestClient) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v3/time", nil, false)
	if err != nil {
		return time.Time{}, err
	}
	var resp serverTimeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode server time: %w", err)
	}
	return time.UnixMilli(resp.ServerTime).UTC(), nil
}

// CreateListenKey opens a user data stream session.
func (c *RestClient) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.request(ctx, http.MethodPost, "/api/v3/userDataStream", nil, true)
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode listen key response: %w", err)
	}
	if resp.ListenKey == "" {
		return "", apperrors.New(apperrors.CodeExchangeAPI, "empty listen key in response")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends a stream session's validity.
func (c *RestClient) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.request(ctx, http.MethodPut, "/api/v3/userDataStream", params, true)
	return err
}

// signedRequest sends an authenticated, HMAC-signed request.
func (c *RestClient) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", fmt.Sprintf("%d", c.now().UnixMilli()))
	params.Set("signature", c.sign(params.Encode()))
	return c.request(ctx, method, path, params, true)
}

// request sends one HTTP request through the rate limiter and the
// retry+breaker pipeline and maps failures onto the error taxonomy.
func (c *RestClient) request(ctx context.Context, method, path string, params url.Values, withAPIKey bool) ([]byte, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.SetRateLimiterQueueDepth(int64(c.limiter.QueueDepth()))
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if withAPIKey {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	start := c.now()
	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return c.httpClient.Do(req)
	})
	if c.metrics != nil {
		c.metrics.LatencyExchange.Record(ctx, float64(c.now().Sub(start).Milliseconds()))
		c.metrics.SetCircuitBreakerOpen(c.breaker.IsOpen())
	}
	if err != nil {
		return nil, c.mapTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, c.mapAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func (c *RestClient) sign(queryString string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *RestClient) mapTransportError(err error) error {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return apperrors.Wrap(apperrors.CodeExchangeUnavailable, "circuit breaker open", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.CodeExchangeTimeout, "exchange request timed out", err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return apperrors.Wrap(apperrors.CodeExchangeUnavailable, "exchange request failed", err)
}

func (c *RestClient) mapAPIError(status int, body []byte) error {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil {
		return apperrors.Newf(apperrors.CodeExchangeAPI, "exchange error: status=%d body=%s", status, body)
	}

	var appErr *apperrors.Error
	switch e.Code {
	case -1013, -1111:
		appErr = apperrors.Newf(apperrors.CodeValidation, "exchange rejected parameters: %s", e.Msg)
	case -2011:
		appErr = apperrors.Newf(apperrors.CodeNotFound, "exchange does not know the order: %s", e.Msg)
	case -1003:
		appErr = apperrors.Newf(apperrors.CodeExchangeUnavailable, "exchange rate limit hit: %s", e.Msg)
	default:
		appErr = apperrors.Newf(apperrors.CodeExchangeAPI, "exchange error %d: %s", e.Code, e.Msg)
	}
	return appErr.WithDetails(map[string]interface{}{
		"status": status,
		"code":   e.Code,
		"msg":    e.Msg,
	})
}

// LogClockSkew compares local and exchange clocks and warns past one
// second of drift. Signed requests fail with -1021 when skew grows.
func (c *RestClient) LogClockSkew(ctx context.Context) {
	serverTime, err := c.ServerTime(ctx)
	if err != nil {
		c.logger.Warn("Failed to fetch exchange server time", "error", err)
		return
	}
	skew := c.now().Sub(serverTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > time.Second {
		c.logger.Warn("Clock skew against exchange exceeds one second",
			"skew", skew.String(), "server_time", serverTime)
	} else {
		c.logger.Debug("Clock skew within bounds", "skew", skew.String())
	}
}
