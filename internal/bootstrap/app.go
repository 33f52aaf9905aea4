// Package bootstrap wires the execution core together and owns the process
// lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"trading_core/internal/admission"
	"trading_core/internal/config"
	"trading_core/internal/core"
	"trading_core/internal/exchange/binance"
	"trading_core/internal/infrastructure/health"
	"trading_core/internal/infrastructure/server"
	"trading_core/internal/ingest"
	"trading_core/internal/killswitch"
	"trading_core/internal/kv"
	"trading_core/internal/orders"
	"trading_core/internal/portfolio"
	"trading_core/internal/reconcile"
	"trading_core/internal/risk"
	"trading_core/internal/store"
	"trading_core/pkg/apperrors"
	"trading_core/pkg/concurrency"
	"trading_core/pkg/logging"
	"trading_core/pkg/telemetry"
)

const serviceName = "trading_core"

// App holds every constructed component. Construction order follows the
// dependency graph; teardown runs in reverse.
type App struct {
	Config *config.Config
	Logger *logging.ZapLogger

	Store      *store.Store
	KV         core.KVStore
	KillSwitch *killswitch.Registry
	Risk       *risk.Validator
	Machine    *orders.Machine
	Exchange   *binance.RestClient
	Ingestor   *ingest.Ingestor
	Stream     *binance.UserDataStream
	Reconciler *reconcile.Reconciler
	Projector  *portfolio.Projector
	Admission  *admission.Facade
	Health     *health.Manager
	Ops        *server.OpsServer

	tel        *telemetry.Telemetry
	metrics    *telemetry.Metrics
	streamPool *concurrency.WorkerPool
}

// NewApp loads configuration and constructs the full dependency graph.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tel, err := telemetry.Setup(serviceName)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.EnableMetrics {
		metrics, err = telemetry.NewMetrics(telemetry.GetMeter(serviceName))
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	kvStore := kv.NewMemoryStore()
	ks := killswitch.NewRegistry(kvStore, logger)
	validator := risk.NewValidator(st, kvStore, time.Duration(cfg.Risk.ApprovalTTLSec)*time.Second, logger)
	machine := orders.NewMachine(st, logger)
	exchange := binance.NewRestClient(cfg, logger, metrics)
	ingestor := ingest.NewIngestor(st, machine, logger, metrics)

	streamPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "stream_dispatch",
		MaxWorkers:  4,
		MaxCapacity: 1000,
		NonBlocking: true,
	}, logger)
	stream := binance.NewUserDataStream(cfg, exchange, streamPool, ingestor.HandleReport, logger, metrics)

	reconciler := reconcile.NewReconciler(cfg, st, machine, exchange, logger, metrics)
	projector := portfolio.NewProjector(cfg, st, logger, metrics)
	facade := admission.NewFacade(cfg, st, machine, ks, validator, exchange, kvStore, logger, metrics)

	hm := health.NewManager(logger)
	hm.Register("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return st.Ping(ctx)
	})
	hm.Register("user_data_stream", func() error {
		if state := stream.State(); state != binance.StateConnected {
			return fmt.Errorf("stream is %s", state)
		}
		return nil
	})
	hm.Register("circuit_breaker", func() error {
		if exchange.BreakerOpen() {
			return apperrors.New(apperrors.CodeExchangeUnavailable, "circuit breaker open")
		}
		return nil
	})

	ops := server.NewOpsServer(cfg.Telemetry.MetricsPort, logger, hm)

	logger.Info("Application wired", "config", "\n"+cfg.String())

	return &App{
		Config:     cfg,
		Logger:     logger,
		Store:      st,
		KV:         kvStore,
		KillSwitch: ks,
		Risk:       validator,
		Machine:    machine,
		Exchange:   exchange,
		Ingestor:   ingestor,
		Stream:     stream,
		Reconciler: reconciler,
		Projector:  projector,
		Admission:  facade,
		Health:     hm,
		Ops:        ops,
		tel:        tel,
		metrics:    metrics,
		streamPool: streamPool,
	}, nil
}

// runner pairs a component's start and stop for lifecycle management.
type runner struct {
	name  string
	start func(ctx context.Context) error
	stop  func()
}

// Run starts every background component and blocks until a termination
// signal or a component failure, then tears down in reverse order.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Ops.Start()
	a.Exchange.LogClockSkew(ctx)

	runners := []runner{
		{"user_data_stream", a.Stream.Start, a.Stream.Stop},
		{"reconciler", a.Reconciler.Start, a.Reconciler.Stop},
		{"portfolio_projector", a.Projector.Start, a.Projector.Stop},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			if err := r.start(gctx); err != nil {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			a.Logger.Info("Component started", "component", r.name)
			<-gctx.Done()
			r.stop()
			a.Logger.Info("Component stopped", "component", r.name)
			return nil
		})
	}

	if a.metrics != nil {
		g.Go(func() error { return a.refreshGauges(gctx) })
	}

	a.Logger.Info("Application running")
	err := g.Wait()
	if err != nil && err != context.Canceled {
		a.Logger.Error("Application stopped with error", "error", err)
	}

	a.shutdown()
	if err == context.Canceled {
		return nil
	}
	return err
}

// refreshGauges keeps the slow-moving observable gauges current.
func (a *App) refreshGauges(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.metrics.SetCircuitBreakerOpen(a.Exchange.BreakerOpen())
			if state, err := a.KillSwitch.Get(ctx); err == nil {
				a.metrics.SetKillSwitchActive(state.Active)
			}
		}
	}
}

// shutdown releases everything the background components depend on, in
// reverse construction order.
func (a *App) shutdown() {
	a.Logger.Info("Shutting down")

	a.Admission.Stop()
	a.streamPool.Stop()
	a.Exchange.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Ops.Stop(ctx); err != nil {
		a.Logger.Error("Failed to stop ops server", "error", err)
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.Logger.Error("Failed to shut down telemetry", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close store", "error", err)
	}
	_ = a.Logger.Sync()
}
