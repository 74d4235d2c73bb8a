// Command sentrygate wires every pipeline stage into a Gateway and
// runs it until SIGINT/SIGTERM, then drains in-flight adapter calls
// and the audit queue before exiting. The gateway's only external
// surface is the Go API in pkg/gateway; this binary exists to own the
// construction, not to expose a network listener.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/mindburn-labs/sentrygate/pkg/adapter"
	"github.com/mindburn-labs/sentrygate/pkg/adapter/retry"
	"github.com/mindburn-labs/sentrygate/pkg/audit"
	"github.com/mindburn-labs/sentrygate/pkg/audit/siem"
	"github.com/mindburn-labs/sentrygate/pkg/budget"
	"github.com/mindburn-labs/sentrygate/pkg/capability"
	"github.com/mindburn-labs/sentrygate/pkg/config"
	"github.com/mindburn-labs/sentrygate/pkg/filter"
	"github.com/mindburn-labs/sentrygate/pkg/gateway"
	"github.com/mindburn-labs/sentrygate/pkg/observability"
	"github.com/mindburn-labs/sentrygate/pkg/pdp"
	"github.com/mindburn-labs/sentrygate/pkg/principal"
	"github.com/mindburn-labs/sentrygate/pkg/ratelimit"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("sentrygate", flag.ContinueOnError)
	var (
		serviceName  = fs.String("service-name", "sentrygate", "service name reported to tracing/metrics")
		dbDriver     = fs.String("db-driver", "sqlite", "durable store driver: postgres or sqlite")
		dbDSN        = fs.String("db-dsn", "file:sentrygate.db?cache=shared", "database connection string")
		redisAddr    = fs.String("redis-addr", "localhost:6379", "shared redis address for rate limiting and PDP caching")
		otlpEndpoint = fs.String("otlp-endpoint", "", "OTLP gRPC collector endpoint; empty disables tracing/metrics")
		siemEndpoint = fs.String("siem-endpoint", "", "HTTP SIEM collector endpoint; empty disables the HTTP sink")
		drain        = fs.Duration("drain-timeout", 30*time.Second, "time allowed for in-flight calls to finish on shutdown")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Config{
		ServiceName:  *serviceName,
		Environment:  "production",
		DrainTimeout: *drain,
		Log:          config.LogConfig{Level: "info", Format: "json"},
		Redis:        config.RedisConfig{Addr: *redisAddr},
		Database:     config.DatabaseConfig{Driver: *dbDriver, DSN: *dbDSN},
		RateLimit: config.RateLimitConfig{
			PrincipalWindow: time.Minute, PrincipalLimit: 600,
			PrincipalCapabilityWindow: time.Minute, PrincipalCapabilityLimit: 120,
		},
		PDP:    config.PDPConfig{LocalCacheCapacity: 4096, CacheTTL: 5 * time.Minute, EvalTimeout: 50 * time.Millisecond},
		Budget: config.BudgetConfig{DefaultDailyLimit: 1000, DefaultMonthlyLimit: 20000},
		Adapter: config.AdapterConfig{
			BreakerThreshold: 5, BreakerResetTimeout: 30 * time.Second,
			RetryMaxAttempts: 3, RetryBaseDelay: 100 * time.Millisecond, RetryMaxDelay: 2 * time.Second,
			HTTPTimeout: 30 * time.Second,
		},
		Audit: config.AuditConfig{QueueCapacity: 4096, SIEMBatchSize: 50, SIEMFlushEvery: 5 * time.Second},
	}
	if *siemEndpoint != "" {
		cfg.Audit.SIEMEndpoints = []string{*siemEndpoint}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	gw, cleanup, err := build(cfg, logger, *otlpEndpoint)
	if err != nil {
		logger.Error("construction failed", "error", err)
		return 1
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sentrygate running", "service", cfg.ServiceName)
	<-ctx.Done()
	logger.Info("shutdown signal received, draining", "timeout", cfg.DrainTimeout)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := gw.Drain(drainCtx); err != nil {
		logger.Error("drain did not complete cleanly", "error", err)
		return 1
	}
	return 0
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// build constructs every pipeline stage from cfg and composes them
// into a Gateway. The returned cleanup function closes the database
// handle; it does not stop the observability provider or the audit
// emitter, or drain the adapter registry — that belongs to
// Gateway.Drain, called once on the shutdown path.
func build(cfg config.Config, logger *slog.Logger, otlpEndpoint string) (*gateway.Gateway, func(), error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})

	keys, err := principal.NewInMemoryKeySet()
	if err != nil {
		return nil, nil, fmt.Errorf("construct key set: %w", err)
	}
	resolver, err := principal.NewResolver(keys)
	if err != nil {
		return nil, nil, fmt.Errorf("construct resolver: %w", err)
	}

	caps := capability.NewRegistry()

	limiter, err := ratelimit.New(ratelimit.NewRedisStore(redisClient), ratelimit.NewLocalFallbackStore())
	if err != nil {
		return nil, nil, fmt.Errorf("construct rate limiter: %w", err)
	}

	policy, err := pdp.New(pdp.Config{
		RedisClient:        redisClient,
		LocalCacheCapacity: cfg.PDP.LocalCacheCapacity,
		CacheTTL:           cfg.PDP.CacheTTL,
		EvalTimeout:        cfg.PDP.EvalTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("construct policy engine: %w", err)
	}

	var budgetStore budget.Store
	if cfg.Database.Driver == "postgres" {
		budgetStore = budget.NewPostgresStore(db, cfg.Budget.DefaultDailyLimit, cfg.Budget.DefaultMonthlyLimit)
	} else {
		budgetStore = budget.NewMemoryStore(cfg.Budget.DefaultDailyLimit, cfg.Budget.DefaultMonthlyLimit)
	}
	enforcer := budget.NewSimpleEnforcer(budgetStore, logger)

	adapters := adapter.NewRegistry(retry.Policy{
		MaxAttempts: cfg.Adapter.RetryMaxAttempts,
		BaseDelay:   cfg.Adapter.RetryBaseDelay,
		MaxDelay:    cfg.Adapter.RetryMaxDelay,
	})
	adapters.Register(adapter.NewHTTPAdapter(cfg.Adapter.HTTPTimeout), cfg.Adapter.BreakerThreshold, cfg.Adapter.BreakerResetTimeout)

	auditStore, err := buildAuditStore(cfg.Database.Driver, db)
	if err != nil {
		return nil, nil, fmt.Errorf("construct audit store: %w", err)
	}

	var sinks []audit.Sink
	sinks = append(sinks, siem.NewStdoutSink(os.Stdout))
	for _, endpoint := range cfg.Audit.SIEMEndpoints {
		sinks = append(sinks, siem.NewHTTPSink("siem", endpoint, cfg.Audit.SIEMBatchSize, cfg.Audit.SIEMFlushEvery, logger))
	}

	emitter := audit.New(cfg.Audit.QueueCapacity, auditStore, sinks, logger)
	emitter.Run(context.Background())

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = cfg.ServiceName
	obsCfg.Environment = cfg.Environment
	obsCfg.Enabled = otlpEndpoint != ""
	obsCfg.OTLPEndpoint = otlpEndpoint

	observer, err := observability.New(context.Background(), obsCfg)
	if err != nil {
		emitter.Stop()
		return nil, nil, fmt.Errorf("construct observability: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		Principals:   resolver,
		Capabilities: caps,
		RateLimiter:  limiter,
		RateLimits: ratelimit.Config{
			PrincipalPolicy:           ratelimit.Policy{Window: cfg.RateLimit.PrincipalWindow, Limit: int(cfg.RateLimit.PrincipalLimit)},
			PrincipalCapabilityPolicy: ratelimit.Policy{Window: cfg.RateLimit.PrincipalCapabilityWindow, Limit: int(cfg.RateLimit.PrincipalCapabilityLimit)},
		},
		Policy:   policy,
		Schemas:  filter.NewSchemaSet(),
		Budgets:  enforcer,
		Adapters: adapters,
		Audit:    emitter,
		Observer: observer,
	})
	if err != nil {
		emitter.Stop()
		return nil, nil, fmt.Errorf("construct gateway: %w", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Error("database close failed", "error", err)
		}
	}
	return gw, cleanup, nil
}

func buildAuditStore(driver string, db *sql.DB) (audit.Store, error) {
	if driver == "postgres" {
		return audit.NewPostgresStore(context.Background(), db)
	}
	return audit.NewSQLiteStore(db)
}
