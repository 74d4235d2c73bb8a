// Package config defines the gateway's construction-time
// configuration. Every field is set explicitly by the caller — there
// is no Load() reading from the environment, since the gateway treats
// configuration as a deployment-owned concern supplied by whatever
// wraps cmd/sentrygate (flags, a secrets manager, a config file
// loader upstream). Validate walks every nested config and fails
// closed: an invalid or missing setting is a construction error, not
// a runtime fallback.
package config

import (
	"errors"
	"fmt"
	"time"
)

// LogConfig controls the gateway's structured logger.
type LogConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
}

func (c LogConfig) validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: level must be one of debug/info/warn/error, got %q", c.Level)
	}
	switch c.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log: format must be json or text, got %q", c.Format)
	}
	return nil
}

// RedisConfig points at the shared Redis instance backing rate
// limiting and PDP decision caching.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) validate() error {
	if c.Addr == "" {
		return errors.New("redis: addr must not be empty")
	}
	return nil
}

// DatabaseConfig points at the durable store backing budgets and
// audit. Driver selects which backend package constructs the store.
type DatabaseConfig struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
}

func (c DatabaseConfig) validate() error {
	switch c.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database: driver must be postgres or sqlite, got %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("database: dsn must not be empty")
	}
	return nil
}

// RateLimitConfig configures the per-principal and
// per-(principal,capability) sliding-window limits (spec §4.3).
type RateLimitConfig struct {
	PrincipalWindow             time.Duration
	PrincipalLimit              int64
	PrincipalCapabilityWindow   time.Duration
	PrincipalCapabilityLimit    int64
	GlobalWindow                time.Duration
	GlobalLimit                 int64
}

func (c RateLimitConfig) validate() error {
	if c.PrincipalLimit <= 0 || c.PrincipalWindow <= 0 {
		return errors.New("rate_limit: principal window and limit must be positive")
	}
	if c.PrincipalCapabilityLimit <= 0 || c.PrincipalCapabilityWindow <= 0 {
		return errors.New("rate_limit: principal-capability window and limit must be positive")
	}
	return nil
}

// PDPConfig configures the Policy Decision Point engine (spec §4.4).
type PDPConfig struct {
	LocalCacheCapacity int
	CacheTTL           time.Duration
	EvalTimeout        time.Duration
}

func (c PDPConfig) validate() error {
	if c.EvalTimeout <= 0 {
		return errors.New("pdp: eval_timeout must be positive")
	}
	return nil
}

// BudgetConfig configures per-principal cost admission defaults
// (spec §4.6).
type BudgetConfig struct {
	DefaultDailyLimit   int64
	DefaultMonthlyLimit int64
}

func (c BudgetConfig) validate() error {
	if c.DefaultDailyLimit <= 0 || c.DefaultMonthlyLimit <= 0 {
		return errors.New("budget: default daily and monthly limits must be positive")
	}
	if c.DefaultDailyLimit > c.DefaultMonthlyLimit {
		return errors.New("budget: default daily limit must not exceed monthly limit")
	}
	return nil
}

// AdapterConfig configures per-protocol breaker and retry defaults
// for the Adapter Dispatch stage (spec §4.7).
type AdapterConfig struct {
	BreakerThreshold   int
	BreakerResetTimeout time.Duration
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	HTTPTimeout        time.Duration
}

func (c AdapterConfig) validate() error {
	if c.BreakerThreshold <= 0 {
		return errors.New("adapter: breaker_threshold must be positive")
	}
	if c.BreakerResetTimeout <= 0 {
		return errors.New("adapter: breaker_reset_timeout must be positive")
	}
	if c.RetryMaxAttempts < 1 {
		return errors.New("adapter: retry_max_attempts must be at least 1")
	}
	return nil
}

// AuditConfig configures the Audit Emitter stage (spec §4.8).
type AuditConfig struct {
	QueueCapacity   int
	SIEMEndpoints   []string
	SIEMBatchSize   int
	SIEMFlushEvery  time.Duration
}

func (c AuditConfig) validate() error {
	if c.QueueCapacity <= 0 {
		return errors.New("audit: queue_capacity must be positive")
	}
	return nil
}

// Config is the complete, validated construction input for the
// gateway (cmd/sentrygate's only configuration source).
type Config struct {
	ServiceName string
	Environment string

	Log           LogConfig
	Redis         RedisConfig
	Database      DatabaseConfig
	RateLimit     RateLimitConfig
	PDP           PDPConfig
	Budget        BudgetConfig
	Adapter       AdapterConfig
	Audit         AuditConfig
	DrainTimeout  time.Duration
}

// Validate checks every field for internal consistency, failing
// closed on the first problem found. The gateway refuses to start
// rather than run with an unvalidated or defaulted configuration.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("config: service_name must not be empty")
	}
	if c.DrainTimeout <= 0 {
		return errors.New("config: drain_timeout must be positive")
	}
	validators := []func() error{
		c.Log.validate,
		c.Redis.validate,
		c.Database.validate,
		c.RateLimit.validate,
		c.PDP.validate,
		c.Budget.validate,
		c.Adapter.validate,
		c.Audit.validate,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}
