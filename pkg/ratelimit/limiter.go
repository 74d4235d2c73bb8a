// Package ratelimit implements the gateway's Rate Limiter stage
// (spec §4.3): sliding-window admission control per principal and per
// (principal, capability), with a mutex-guarded in-process local
// fallback when the shared store is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds a sliding window: at most Limit admissions per Window.
type Policy struct {
	Window time.Duration
	Limit  int
}

// Result reports the outcome of an admission check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Store is the sliding-window counter backend. Implementations must
// be safe for concurrent use.
type Store interface {
	// Allow evicts entries older than window, then admits iff the
	// remaining count is below policy.Limit. cost is the number of
	// slots this call consumes (normally 1).
	Allow(ctx context.Context, key string, policy Policy, cost int, now time.Time) (Result, error)
}

// Limiter composes a shared Store with a local fallback and enforces
// both a per-principal and a per-principal+capability policy — both
// must pass for a request to be admitted (see DESIGN.md Open
// Question 2).
type Limiter struct {
	shared   Store
	fallback Store
	global   *Policy // optional gateway-wide ceiling
}

// Config configures Limiter construction.
type Config struct {
	PrincipalPolicy           Policy
	PrincipalCapabilityPolicy Policy
	GlobalPolicy              *Policy
}

// New constructs a Limiter. shared may be nil only in tests; in
// production a nil shared store degrades every request straight to
// the fallback, which is intentional fail-closed behavior under
// pressure but should not be the steady state.
func New(shared, fallback Store) (*Limiter, error) {
	if fallback == nil {
		return nil, fmt.Errorf("ratelimit: fallback store is required")
	}
	return &Limiter{shared: shared, fallback: fallback}, nil
}

// Check admits or denies a request for principalID acting on
// capabilityID under cfg. It never blocks past the shared store's own
// timeout; a ctx-cancelled or unreachable shared store falls back to
// the local store, which denies once its own quota is exhausted
// (fail-closed, spec §4.3/§7).
func (l *Limiter) Check(ctx context.Context, principalID, capabilityID string, cfg Config) (Result, error) {
	now := time.Now()

	if cfg.GlobalPolicy != nil {
		res, err := l.admit(ctx, "global", *cfg.GlobalPolicy, now)
		if err != nil || !res.Allowed {
			return res, err
		}
	}

	principalRes, err := l.admit(ctx, "p:"+principalID, cfg.PrincipalPolicy, now)
	if err != nil {
		return principalRes, err
	}
	if !principalRes.Allowed {
		return principalRes, nil
	}

	capRes, err := l.admit(ctx, "pc:"+principalID+":"+capabilityID, cfg.PrincipalCapabilityPolicy, now)
	if err != nil {
		return capRes, err
	}
	if !capRes.Allowed {
		return capRes, nil
	}

	// Both must pass; report the tighter remaining count.
	if capRes.Remaining < principalRes.Remaining {
		return capRes, nil
	}
	return principalRes, nil
}

func (l *Limiter) admit(ctx context.Context, key string, policy Policy, now time.Time) (Result, error) {
	if l.shared != nil {
		res, err := l.shared.Allow(ctx, key, policy, 1, now)
		if err == nil {
			return res, nil
		}
		// Shared store unreachable: fall back, still fail-closed if
		// the local quota is exhausted.
	}
	return l.fallback.Allow(ctx, key, policy, 1, now)
}
