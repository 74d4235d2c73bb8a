package pdp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// Config configures Engine construction.
type Config struct {
	// RedisClient is the shared decision-cache tier. Nil disables it;
	// the local tier still applies.
	RedisClient redis.Cmdable
	// LocalCacheCapacity bounds the in-process LRU tier.
	LocalCacheCapacity int
	// CacheTTL bounds how long a cached Decision is trusted in the
	// shared tier. The local tier is bounded by the generation
	// counter instead, since a reload's key prefix changes.
	CacheTTL time.Duration
	// EvalTimeout bounds a single rule-set evaluation; exceeding it
	// is treated as a deny (spec §4.4/§7 fail-closed).
	EvalTimeout time.Duration
}

// Engine is the Policy Decision Point: it evaluates a DecisionInput
// against the active RuleSet, fail-closed on any error, and caches
// Decisions keyed by a canonical hash of the input plus the rule
// set's generation.
//
// Grounded on the kernel's PolicyDecisionPoint interface shape
// (Evaluate/fail-closed/deterministic hash contract) and celdp's
// CELDPEvaluator for condition evaluation.
type Engine struct {
	cel  *celEvaluator
	cfg  Config
	cache *decisionCache

	generation atomic.Uint64
	rules      atomic.Pointer[RuleSet]
}

// New constructs an Engine with an empty rule set. Call LoadRules
// before evaluating, or every request will be denied for lack of a
// matching rule (default-deny, spec §4.4 invariant).
func New(cfg Config) (*Engine, error) {
	if cfg.LocalCacheCapacity <= 0 {
		cfg.LocalCacheCapacity = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = 50 * time.Millisecond
	}
	ev, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cel:   ev,
		cfg:   cfg,
		cache: newDecisionCache(cfg.RedisClient, cfg.LocalCacheCapacity, cfg.CacheTTL),
	}
	e.rules.Store(&RuleSet{})
	return e, nil
}

// LoadRules atomically replaces the active rule set and bumps the
// generation counter, invalidating every previously cached Decision
// without touching the cache itself.
func (e *Engine) LoadRules(rs RuleSet) {
	e.rules.Store(&rs)
	e.generation.Add(1)
}

// Evaluate resolves a Decision for input, consulting the cache first.
// On any internal error — CEL failure, timeout — it returns a
// default-deny Decision and a non-nil error so callers can distinguish
// "denied by policy" from "denied because evaluation failed."
func (e *Engine) Evaluate(ctx context.Context, input gwtypes.DecisionInput) (gwtypes.Decision, error) {
	generation := e.generation.Load()
	key, err := cacheKey(input, generation)
	if err != nil {
		return denyDecision("cache key computation failed"), gwerrors.Wrap(gwerrors.KindInternal, err, "pdp: cache key")
	}

	if cached, ok := e.cache.get(ctx, key); ok {
		return *cached, nil
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.cfg.EvalTimeout)
	defer cancel()

	decision, err := e.evaluateUncached(evalCtx, input)
	if err != nil {
		reason := "timeout"
		if !errors.Is(err, context.DeadlineExceeded) {
			reason = err.Error()
		}
		return denyDecision(fmt.Sprintf("evaluation_error: %s", reason)), gwerrors.Wrap(gwerrors.KindInternal, err, "pdp: evaluation failed")
	}

	e.cache.set(ctx, key, &decision)
	return decision, nil
}

func (e *Engine) evaluateUncached(ctx context.Context, input gwtypes.DecisionInput) (gwtypes.Decision, error) {
	rs := e.rules.Load()
	now := time.Now().UTC()

	type matchErr struct {
		err error
	}
	resultCh := make(chan any, 1)

	go func() {
		for _, rule := range rs.sorted() {
			if ctx.Err() != nil {
				resultCh <- matchErr{ctx.Err()}
				return
			}
			if !rule.structurallyMatches(input) {
				continue
			}
			ok, err := e.cel.eval(rule.Condition, input)
			if err != nil {
				resultCh <- matchErr{err}
				return
			}
			if !ok {
				continue
			}
			resultCh <- buildDecision(rule, rs.Version, now)
			return
		}
		resultCh <- denyDecision("no matching rule (default deny)")
	}()

	select {
	case <-ctx.Done():
		return gwtypes.Decision{}, ctx.Err()
	case res := <-resultCh:
		if me, ok := res.(matchErr); ok {
			return gwtypes.Decision{}, me.err
		}
		return res.(gwtypes.Decision), nil
	}
}

func buildDecision(rule Rule, policyVersion string, now time.Time) gwtypes.Decision {
	return gwtypes.Decision{
		Allow:             rule.Effect == EffectAllow || rule.Effect == EffectConstrain,
		Reason:            rule.Name,
		FilterMask:        rule.FilterMask,
		Constraints:       rule.Constraints,
		PoliciesEvaluated: []string{policyVersion + "/" + rule.Name},
		EvaluatedAt:       now,
	}
}

func denyDecision(reason string) gwtypes.Decision {
	return gwtypes.Decision{
		Allow:       false,
		Reason:      reason,
		EvaluatedAt: time.Now().UTC(),
	}
}
