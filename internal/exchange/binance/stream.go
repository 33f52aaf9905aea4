package binance

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading_core/internal/config"
	"trading_core/internal/core"
	"trading_core/pkg/concurrency"
	"trading_core/pkg/telemetry"
)

// ConnState is the user data stream connection state.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
)

// ReportHandler consumes parsed execution reports.
type ReportHandler func(ctx context.Context, report *core.ExecutionReport)

// UserDataStream maintains the websocket session carrying execution
// reports: listen key acquisition and refresh, keepalive pings, and
// reconnection with exponential backoff. Missed events during a gap are the
// reconciliation loop's problem, not the stream's.
type UserDataStream struct {
	wsURL            string
	pingInterval     time.Duration
	reconnectBase    time.Duration
	reconnectMax     time.Duration
	connectTimeout   time.Duration
	listenKeyRefresh time.Duration

	rest    *RestClient
	handler ReportHandler
	pool    *concurrency.WorkerPool
	logger  core.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	state ConnState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUserDataStream creates a stream. handler is invoked on the pool, so a
// slow consumer does not stall the read loop.
func NewUserDataStream(cfg *config.Config, rest *RestClient, pool *concurrency.WorkerPool, handler ReportHandler, logger core.Logger, metrics *telemetry.Metrics) *UserDataStream {
	return &UserDataStream{
		wsURL:            cfg.Exchange.WSURL,
		pingInterval:     time.Duration(cfg.Stream.PingIntervalMs) * time.Millisecond,
		reconnectBase:    time.Duration(cfg.Stream.ReconnectBaseMs) * time.Millisecond,
		reconnectMax:     time.Duration(cfg.Stream.ReconnectMaxMs) * time.Millisecond,
		connectTimeout:   time.Duration(cfg.Stream.ConnectTimeoutMs) * time.Millisecond,
		listenKeyRefresh: time.Duration(cfg.Stream.ListenKeyRefreshMs) * time.Millisecond,
		rest:             rest,
		handler:          handler,
		pool:             pool,
		logger:           logger.WithField("component", "user_data_stream"),
		metrics:          metrics,
		state:            StateDisconnected,
	}
}

// State returns the current connection state.
func (s *UserDataStream) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *UserDataStream) setState(state ConnState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetStreamConnected(state == StateConnected)
	}
}

// Start launches the connection loop.
func (s *UserDataStream) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.runLoop(runCtx)
	return nil
}

// Stop tears the stream down and waits for the loop to exit.
func (s *UserDataStream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.setState(StateDisconnected)
}

func (s *UserDataStream) runLoop(ctx context.Context) {
	defer s.wg.Done()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting)
		conn, listenKey, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := s.backoff(attempt)
			attempt++
			s.logger.Warn("Stream connect failed, backing off",
				"error", err, "attempt", attempt, "delay", delay.String())
			s.setState(StateReconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		s.setState(StateConnected)
		s.logger.Info("User data stream connected")

		err = s.serve(ctx, conn, listenKey)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("User data stream dropped, reconnecting", "error", err)
		s.setState(StateReconnecting)
	}
}

func (s *UserDataStream) connect(ctx context.Context) (*websocket.Conn, string, error) {
	listenKey, err := s.rest.CreateListenKey(ctx)
	if err != nil {
		return nil, "", err
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.wsURL+"/"+listenKey, nil)
	if err != nil {
		return nil, "", err
	}
	return conn, listenKey, nil
}

// serve runs the read loop plus the ping and listen key refresh tickers
// until the connection fails or ctx is canceled.
func (s *UserDataStream) serve(ctx context.Context, conn *websocket.Conn, listenKey string) error {
	readErr := make(chan error, 1)

	deadline := 3 * s.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(deadline))
			s.dispatch(ctx, message)
		}
	}()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()
	refreshTicker := time.NewTicker(s.listenKeyRefresh)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return err
			}
		case <-refreshTicker.C:
			if err := s.rest.KeepAliveListenKey(ctx, listenKey); err != nil {
				// The connection is still live; keep serving it. If the key
				// does expire the server closes the socket and the run loop
				// reconnects with a fresh one.
				s.logger.Error("Failed to refresh listen key", "error", err)
				continue
			}
			s.logger.Debug("Listen key refreshed")
		}
	}
}

// dispatch parses a raw frame and hands execution reports to the handler.
// Other user data events (balance updates etc.) are ignored.
func (s *UserDataStream) dispatch(ctx context.Context, message []byte) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		s.logger.Warn("Unparseable stream frame", "error", err)
		return
	}
	if probe.EventType != "executionReport" {
		return
	}

	var raw wsExecutionReport
	if err := json.Unmarshal(message, &raw); err != nil {
		s.logger.Error("Malformed execution report", "error", err)
		return
	}
	report, err := raw.toExecutionReport()
	if err != nil {
		s.logger.Error("Invalid execution report fields", "error", err)
		return
	}

	if err := s.pool.Submit(func() {
		s.handler(ctx, report)
	}); err != nil {
		s.logger.Error("Dropped execution report, worker pool full",
			"error", err, "exchange_order_id", report.ExchangeOrderID)
	}
}

// backoff is exponential from the base, capped, with 20% jitter.
func (s *UserDataStream) backoff(attempt int) time.Duration {
	delay := s.reconnectBase
	for i := 0; i < attempt && delay < s.reconnectMax; i++ {
		delay *= 2
	}
	if delay > s.reconnectMax {
		delay = s.reconnectMax
	}
	jitter := time.Duration(rand.Int63n(2*int64(delay)/5+1)) - delay/5
	return delay + jitter
}
