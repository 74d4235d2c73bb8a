package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mindburn-labs/sentrygate/pkg/adapter"
	"github.com/mindburn-labs/sentrygate/pkg/adapter/retry"
	"github.com/mindburn-labs/sentrygate/pkg/audit"
	"github.com/mindburn-labs/sentrygate/pkg/audit/siem"
	"github.com/mindburn-labs/sentrygate/pkg/budget"
	"github.com/mindburn-labs/sentrygate/pkg/capability"
	"github.com/mindburn-labs/sentrygate/pkg/filter"
	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
	"github.com/mindburn-labs/sentrygate/pkg/pdp"
	"github.com/mindburn-labs/sentrygate/pkg/principal"
	"github.com/mindburn-labs/sentrygate/pkg/ratelimit"
)

// --- fakes -----------------------------------------------------------

type memAuditStore struct {
	mu     sync.Mutex
	events []gwtypes.AuditEvent
}

func (s *memAuditStore) Append(_ context.Context, ev gwtypes.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memAuditStore) all() []gwtypes.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gwtypes.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// waitForEvents polls until the emitter's writer goroutine has stored
// at least n events or a second has passed, then returns what is stored.
func (s *memAuditStore) waitForEvents(n int) []gwtypes.AuditEvent {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if evs := s.all(); len(evs) >= n {
			return evs
		}
		time.Sleep(time.Millisecond)
	}
	return s.all()
}

type localRateStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func newLocalRateStore() *localRateStore { return &localRateStore{counts: make(map[string]int)} }

func (s *localRateStore) Allow(_ context.Context, key string, policy ratelimit.Policy, cost int, _ time.Time) (ratelimit.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key] += cost
	if s.counts[key] > policy.Limit {
		return ratelimit.Result{Allowed: false, Remaining: 0, ResetAt: time.Now().Add(policy.Window)}, nil
	}
	return ratelimit.Result{Allowed: true, Remaining: policy.Limit - s.counts[key]}, nil
}

type memBudgetStore struct {
	mu      sync.Mutex
	ledgers map[string]*budget.Ledger
}

func newMemBudgetStore() *memBudgetStore { return &memBudgetStore{ledgers: make(map[string]*budget.Ledger)} }

func (s *memBudgetStore) Get(_ context.Context, principalID string) (*budget.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledgers[principalID], nil
}

func (s *memBudgetStore) Set(_ context.Context, ledger *budget.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[ledger.PrincipalID] = ledger
	return nil
}

func (s *memBudgetStore) Limits(_ context.Context, _ string) (int64, int64, error) {
	return 1000, 20000, nil
}

func (s *memBudgetStore) SetLimits(_ context.Context, principalID string, daily, monthly int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[principalID] = &budget.Ledger{PrincipalID: principalID, DailyLimit: daily, MonthlyLimit: monthly, LastUpdated: time.Now()}
	return nil
}

// fakeAdapter lets each test script a sequence of Invoke outcomes, so
// the circuit-breaker scenario can fail a fixed number of times then
// recover.
type fakeAdapter struct {
	protocol gwtypes.Protocol
	mu       sync.Mutex
	failures int
	calls    atomic.Int64
}

func (a *fakeAdapter) Protocol() gwtypes.Protocol { return a.protocol }

func (a *fakeAdapter) Invoke(_ context.Context, req gwtypes.InvocationRequest, _ gwtypes.Capability, _ gwtypes.Resource) (gwtypes.InvocationResult, error) {
	a.calls.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures > 0 {
		a.failures--
		return gwtypes.InvocationResult{}, assertErr{"simulated upstream failure"}
	}
	return gwtypes.InvocationResult{Success: true, Result: req.Arguments}, nil
}

func (a *fakeAdapter) InvokeStreaming(_ context.Context, _ gwtypes.InvocationRequest, _ gwtypes.Capability, _ gwtypes.Resource) func(func(gwtypes.Frame) bool) {
	return func(yield func(gwtypes.Frame) bool) { yield(gwtypes.Frame{Sequence: 0, Final: true}) }
}

func (a *fakeAdapter) HealthCheck(context.Context, gwtypes.Resource) error { return nil }

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

// --- harness -----------------------------------------------------------

type harness struct {
	gw        *Gateway
	resolver  *principal.Resolver
	keys      *principal.InMemoryKeySet
	auditSt   *memAuditStore
	emitter   *audit.Emitter
	capID     string
	resID     string
	adp       *fakeAdapter
	budgetStore *memBudgetStore
}

func newHarness(t *testing.T, sensitivity gwtypes.Sensitivity, costClass gwtypes.CostClass, sinks ...audit.Sink) *harness {
	t.Helper()

	keys, err := principal.NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("keyset: %v", err)
	}
	resolver, err := principal.NewResolver(keys)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	caps := capability.NewRegistry()
	resID, capID := "res-1", "cap.read"
	caps.RegisterResource(gwtypes.Resource{ID: resID, Protocol: gwtypes.ProtocolHTTP, Status: gwtypes.ResourceActive, Sensitivity: sensitivity})
	caps.RegisterCapability(gwtypes.Capability{ID: capID, ResourceID: resID, Name: "read", Sensitivity: sensitivity, CostClass: costClass})

	limiter, err := ratelimit.New(nil, newLocalRateStore())
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}

	engine, err := pdp.New(pdp.Config{EvalTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("pdp: %v", err)
	}

	schemas := filter.NewSchemaSet()

	budgetStore := newMemBudgetStore()
	enforcer := budget.NewSimpleEnforcer(budgetStore, slog.Default())

	adp := &fakeAdapter{protocol: gwtypes.ProtocolHTTP}
	registry := adapter.NewRegistry(retry.Policy{MaxAttempts: 1})
	registry.Register(adp, 5, 50*time.Millisecond)

	auditSt := &memAuditStore{}
	emitter := audit.New(16, auditSt, sinks, nil)
	emitter.Run(context.Background())
	t.Cleanup(emitter.Stop)

	gw, err := New(Config{
		Principals:   resolver,
		Capabilities: caps,
		RateLimiter:  limiter,
		RateLimits: ratelimit.Config{
			PrincipalPolicy:           ratelimit.Policy{Window: time.Minute, Limit: 100},
			PrincipalCapabilityPolicy: ratelimit.Policy{Window: time.Minute, Limit: 100},
		},
		Policy:   engine,
		Schemas:  schemas,
		Budgets:  enforcer,
		Adapters: registry,
		Audit:    emitter,
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	return &harness{gw: gw, resolver: resolver, keys: keys, auditSt: auditSt, emitter: emitter, capID: capID, resID: resID, adp: adp, budgetStore: budgetStore}
}

func (h *harness) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := h.resolver.IssueToken(gwtypes.Principal{ID: "u1", Role: role, Teams: []string{"t1"}, Type: gwtypes.PrincipalHuman}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (h *harness) loadRules(rs pdp.RuleSet) { h.gw.policy.LoadRules(rs) }

// --- scenarios -----------------------------------------------------------

func TestAllowCacheMissThenHit(t *testing.T) {
	h := newHarness(t, gwtypes.SensitivityLow, gwtypes.CostClassNone)
	h.loadRules(pdp.RuleSet{Version: "v1", Rules: []pdp.Rule{
		{Name: "allow-developers", Priority: 10, Effect: pdp.EffectAllow, PrincipalMatcher: pdp.Matcher{Values: []string{"developer"}}},
	}})
	tok := h.token(t, "developer")

	req := gwtypes.InvocationRequest{CapabilityID: h.capID, PrincipalID: "u1", Arguments: map[string]any{"query": "SELECT 1"}, DeadlineMS: 5000}
	res, err := h.gw.Invoke(context.Background(), tok, "10.0.0.1", req)
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success")
	}

	res2, err := h.gw.Invoke(context.Background(), tok, "10.0.0.1", req)
	if err != nil || !res2.Success {
		t.Fatalf("second invoke: res=%+v err=%v", res2, err)
	}

	if h.adp.calls.Load() != 2 {
		t.Errorf("expected adapter invoked twice, got %d", h.adp.calls.Load())
	}

	events := h.auditSt.waitForEvents(2)
	if len(events) != 2 || events[0].Decision != "allow" || events[1].Decision != "allow" {
		t.Fatalf("expected two allow audit events, got %+v", events)
	}
}

func TestDenyBySensitivity(t *testing.T) {
	h := newHarness(t, gwtypes.SensitivityCritical, gwtypes.CostClassNone)
	h.loadRules(pdp.RuleSet{Version: "v1", Rules: []pdp.Rule{
		{Name: "viewer-low-only", Priority: 10, Effect: pdp.EffectDeny, PrincipalMatcher: pdp.Matcher{Values: []string{"viewer"}}},
	}})
	tok := h.token(t, "viewer")

	req := gwtypes.InvocationRequest{CapabilityID: h.capID, PrincipalID: "u1", DeadlineMS: 5000}
	_, err := h.gw.Invoke(context.Background(), tok, "10.0.0.1", req)
	if err == nil {
		t.Fatalf("expected denial")
	}
	if h.adp.calls.Load() != 0 {
		t.Errorf("adapter must not be invoked on deny")
	}

	events := h.auditSt.waitForEvents(1)
	if len(events) != 1 || events[0].Decision != "deny" || events[0].Severity != gwtypes.SeverityMedium {
		t.Fatalf("expected one medium-severity deny event, got %+v", events)
	}
}

func TestParameterRedaction(t *testing.T) {
	h := newHarness(t, gwtypes.SensitivityLow, gwtypes.CostClassNone)
	// No filter_mask: password/api_key must still be stripped by the
	// static secret-field deny-list, not by policy-driven masking.
	h.loadRules(pdp.RuleSet{Version: "v1", Rules: []pdp.Rule{
		{Name: "allow-all", Priority: 10, Effect: pdp.EffectAllow},
	}})
	tok := h.token(t, "developer")

	req := gwtypes.InvocationRequest{
		CapabilityID: h.capID, PrincipalID: "u1",
		Arguments: map[string]any{"query": "SELECT 1", "password": "p", "api_key": "k"},
		DeadlineMS: 5000,
	}
	res, err := h.gw.Invoke(context.Background(), tok, "10.0.0.1", req)
	if err != nil || !res.Success {
		t.Fatalf("invoke: res=%+v err=%v", res, err)
	}

	dispatched, ok := res.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected dispatched arguments in result")
	}
	if _, present := dispatched["password"]; present {
		t.Fatalf("expected password removed, got %+v", dispatched)
	}
	if _, present := dispatched["api_key"]; present {
		t.Fatalf("expected api_key removed, got %+v", dispatched)
	}
	if dispatched["query"] != "SELECT 1" {
		t.Fatalf("expected query to pass through unredacted")
	}

	events := h.auditSt.waitForEvents(1)
	params := events[0].ActionParameters
	if _, present := params["password"]; present {
		t.Fatalf("expected audit record to have password removed, got %+v", params)
	}
	if _, present := params["api_key"]; present {
		t.Fatalf("expected audit record to have api_key removed, got %+v", params)
	}
}

func TestBudgetExceededIncludesRetryAfter(t *testing.T) {
	h := newHarness(t, gwtypes.SensitivityLow, gwtypes.CostClassPerCall)
	h.loadRules(pdp.RuleSet{Version: "v1", Rules: []pdp.Rule{
		{Name: "allow-all", Priority: 10, Effect: pdp.EffectAllow},
	}})
	tok := h.token(t, "developer")

	if err := h.budgetStore.Set(context.Background(), &budget.Ledger{
		PrincipalID: "u1", DailyLimit: 1, MonthlyLimit: 1000, DailyUsed: 1, LastUpdated: time.Now(),
	}); err != nil {
		t.Fatalf("preset ledger: %v", err)
	}

	req := gwtypes.InvocationRequest{CapabilityID: h.capID, PrincipalID: "u1", DeadlineMS: 5000}
	_, err := h.gw.Invoke(context.Background(), tok, "", req)
	if err == nil {
		t.Fatalf("expected budget-exceeded denial")
	}
	if gwerrors.KindOf(err) != gwerrors.KindBudgetExceeded {
		t.Fatalf("expected KindBudgetExceeded, got %v", err)
	}
	var gwErr *gwerrors.Error
	if !errors.As(err, &gwErr) || gwErr.RetryAfter <= 0 {
		t.Fatalf("expected a positive retry_after, got %+v", gwErr)
	}
}

func TestCircuitOpensThenHalfOpens(t *testing.T) {
	h := newHarness(t, gwtypes.SensitivityLow, gwtypes.CostClassNone)
	h.loadRules(pdp.RuleSet{Version: "v1", Rules: []pdp.Rule{
		{Name: "allow-all", Priority: 10, Effect: pdp.EffectAllow},
	}})
	tok := h.token(t, "developer")
	req := gwtypes.InvocationRequest{CapabilityID: h.capID, PrincipalID: "u1", DeadlineMS: 5000}

	h.adp.failures = 5
	for i := 0; i < 5; i++ {
		if _, err := h.gw.Invoke(context.Background(), tok, "", req); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}

	if _, err := h.gw.Invoke(context.Background(), tok, "", req); err == nil {
		t.Fatalf("expected circuit open on the 6th call")
	}

	time.Sleep(60 * time.Millisecond)

	if _, err := h.gw.Invoke(context.Background(), tok, "", req); err != nil {
		t.Fatalf("expected half-open trial to succeed: %v", err)
	}
	if _, err := h.gw.Invoke(context.Background(), tok, "", req); err != nil {
		t.Fatalf("expected circuit closed after successful trial: %v", err)
	}
}

func TestSIEMOutageDoesNotAffectRequest(t *testing.T) {
	outage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer outage.Close()
	sink := siem.NewHTTPSink("siem", outage.URL, 1, 10*time.Millisecond, nil)
	defer sink.Close()

	h := newHarness(t, gwtypes.SensitivityLow, gwtypes.CostClassNone, sink)
	h.loadRules(pdp.RuleSet{Version: "v1", Rules: []pdp.Rule{
		{Name: "allow-all", Priority: 10, Effect: pdp.EffectAllow},
	}})
	tok := h.token(t, "developer")
	req := gwtypes.InvocationRequest{CapabilityID: h.capID, PrincipalID: "u1", DeadlineMS: 5000}

	res, err := h.gw.Invoke(context.Background(), tok, "", req)
	if err != nil || !res.Success {
		t.Fatalf("expected request to succeed regardless of sink health: res=%+v err=%v", res, err)
	}
	if len(h.auditSt.waitForEvents(1)) != 1 {
		t.Fatalf("expected local store to still receive the event")
	}
}

func TestDeadlineExceededDuringEvaluation(t *testing.T) {
	h := newHarness(t, gwtypes.SensitivityLow, gwtypes.CostClassNone)
	h.loadRules(pdp.RuleSet{Version: "v1", Rules: []pdp.Rule{
		{Name: "allow-all", Priority: 10, Effect: pdp.EffectAllow},
	}})
	tok := h.token(t, "developer")

	// The caller's deadline has already passed when the request arrives;
	// the stages before the PDP do not consult it, so the PDP is the
	// first stage to see the expired deadline.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now())
	defer cancel()

	req := gwtypes.InvocationRequest{CapabilityID: h.capID, PrincipalID: "u1", DeadlineMS: 1}
	_, err := h.gw.Invoke(ctx, tok, "", req)
	if err == nil {
		t.Fatalf("expected deadline-exceeded denial")
	}

	events := h.auditSt.waitForEvents(1)
	if len(events) != 1 || events[0].Success || !strings.HasPrefix(events[0].ErrorMessage, "deadline_exceeded") {
		t.Fatalf("expected a failed audit event, got %+v", events)
	}
}

func TestZeroDeadlineDeniedBeforeAnyStage(t *testing.T) {
	h := newHarness(t, gwtypes.SensitivityLow, gwtypes.CostClassNone)
	req := gwtypes.InvocationRequest{CapabilityID: h.capID, PrincipalID: "u1", DeadlineMS: 0}

	_, err := h.gw.Invoke(context.Background(), "", "", req)
	if err == nil {
		t.Fatalf("expected zero-deadline request to be denied")
	}
	if h.adp.calls.Load() != 0 {
		t.Errorf("adapter must not be reached")
	}
}
