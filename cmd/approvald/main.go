// Package main is the entry point for the approvald server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SidU/durable-support-agent/internal/activities"
	"github.com/SidU/durable-support-agent/internal/approval"
	"github.com/SidU/durable-support-agent/internal/cases"
	"github.com/SidU/durable-support-agent/internal/config"
	"github.com/SidU/durable-support-agent/internal/notify"
	"github.com/SidU/durable-support-agent/internal/observability"
	"github.com/SidU/durable-support-agent/internal/saga"
	"github.com/SidU/durable-support-agent/internal/transport"
	"github.com/SidU/durable-support-agent/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var _ workflow.Observer = (*observability.Metrics)(nil)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability, "approvald", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "approvald", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(registry)

	// Step 4: Open stores.
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	instanceStore, closer, err := buildInstanceStore(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}
	closers = appendCloser(closers, closer)

	caseStore, closer, err := buildCaseStore(ctx, cfg.Cases.Store, logger)
	if err != nil {
		logger.Error("case store initialization failed", zap.Error(err))
		return 1
	}
	closers = appendCloser(closers, closer)

	idemStore, closer, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	closers = appendCloser(closers, closer)

	// Step 5: Build the engine and register the approval program.
	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notify.Enabled {
		hn := notify.NewHTTPNotifier(cfg.Notify, logger)
		hn.Breaker().OnStateChange(func(s notify.BreakerState) {
			metrics.SetNotifyCircuitBreakerState(breakerGaugeValue(s))
			logger.Warn("bot notifier circuit breaker changed state", zap.String("state", s.String()))
		})
		notifier = hn
	}
	executor := activities.NewExecutor(caseStore, nil, notifier, logger)

	engine := workflow.NewEngine(instanceStore, workflow.Options{
		Logger:   logger,
		Observer: metrics,
		Retry: workflow.RetryPolicy{
			MaxAttempts:       cfg.Workflow.Retry.MaxAttempts,
			BackoffInitial:    cfg.Workflow.Retry.BackoffInitial,
			BackoffMultiplier: cfg.Workflow.Retry.BackoffMultiplier,
			BackoffMax:        cfg.Workflow.Retry.BackoffMax,
		},
		LeaseTTL: cfg.Workflow.LeaseTTL,
		Workers:  cfg.Workflow.Workers,
	})
	approval.Register(engine, executor, cfg.Workflow.ApprovalTimeout)

	coordinator := saga.NewCoordinator(caseStore, engine, saga.Options{
		Idempotency:    idemStore,
		IdempotencyTTL: cfg.Idempotency.Store.DefaultTTL,
		Logger:         logger,
	})

	// Step 6: Build HTTP router.
	var recovered atomic.Bool
	readiness := observability.ReadinessChecks{
		EngineRecovered: recovered.Load,
	}
	if hc, ok := instanceStore.(observability.HealthChecker); ok {
		readiness.WorkflowStore = hc
	}
	if hc, ok := caseStore.(observability.HealthChecker); ok {
		readiness.CaseStore = hc
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}

	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.Enabled {
		jwks := transport.NewJWKSCache(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
		authenticate = transport.SupervisorAuthenticator(cfg.Identity, jwks, logger)
	} else {
		logger.Warn("identity disabled, supervisor decisions are recorded as anonymous")
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Cases:        coordinator,
		Instances:    engine,
		Authenticate: authenticate,
		Metrics:      metrics,
		Gatherer:     registry,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 7: Recover in-flight instances, then start the timer sweep.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go engine.Sweep(bgCtx, cfg.Workflow.TickInterval, func() { recovered.Store(true) })

	// Step 8: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("commit", commit),
		zap.String("workflow_store", cfg.Workflow.Store.Driver),
		zap.String("case_store", cfg.Cases.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

func appendCloser(closers []func(), c func()) []func() {
	if c == nil {
		return closers
	}
	return append(closers, c)
}

// openPool connects to Postgres using the store's pool settings.
func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.DSNEnv)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// buildInstanceStore creates the workflow instance store based on config.
func buildInstanceStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.InstanceStore, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("using in-memory workflow store, instances will not survive a restart")
		return workflow.NewMemoryInstanceStore(), nil, nil
	case config.DriverPostgres:
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: %w", err)
		}
		store := workflow.NewPgInstanceStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: %w", err)
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

// buildCaseStore creates the case store based on config.
func buildCaseStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (cases.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("using in-memory case store, cases will not survive a restart")
		return cases.NewMemoryStore(), nil, nil
	case config.DriverSQLite:
		store, err := cases.NewGormStore(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case config.DriverPostgres:
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: %w", err)
		}
		store := cases.NewPgStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("case store: %w", err)
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported case store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (saga.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory idempotency store")
		return saga.NewMemoryIdempotencyStore(), nil, nil
	case config.DriverRedis:
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		return saga.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// breakerGaugeValue maps a breaker state onto the gauge scale
// (0=closed, 1=half-open, 2=open).
func breakerGaugeValue(s notify.BreakerState) float64 {
	switch s {
	case notify.BreakerHalfOpen:
		return 1
	case notify.BreakerOpen:
		return 2
	default:
		return 0
	}
}
