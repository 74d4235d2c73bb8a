// Package gateway composes the eight pipeline stages — principal
// resolution, capability lookup, rate limiting, policy decision,
// parameter filtering, budget admission, adapter dispatch, and audit
// emission — into the governance gateway's single entry point.
// Every request passes through the stages in order; any stage that
// denies or errors short-circuits the rest, and an AuditEvent is
// emitted on every exit path, successful or not. The orchestration
// shape is grounded on a sequential gated pipeline: each gate fully
// resolves before the next stage starts, and every gate failure both
// aborts the pipeline and records why.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mindburn-labs/sentrygate/pkg/adapter"
	"github.com/mindburn-labs/sentrygate/pkg/audit"
	"github.com/mindburn-labs/sentrygate/pkg/budget"
	"github.com/mindburn-labs/sentrygate/pkg/capability"
	"github.com/mindburn-labs/sentrygate/pkg/filter"
	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
	"github.com/mindburn-labs/sentrygate/pkg/observability"
	"github.com/mindburn-labs/sentrygate/pkg/pdp"
	"github.com/mindburn-labs/sentrygate/pkg/principal"
	"github.com/mindburn-labs/sentrygate/pkg/ratelimit"
)

// CostEstimator derives a budget.Cost for a capability invocation.
// The default estimator charges one unit for any capability with a
// non-empty CostClass and nothing for CostClassNone.
type CostEstimator func(cap gwtypes.Capability, args map[string]any) budget.Cost

// DefaultCostEstimator charges a flat unit cost for any cost-bearing
// capability.
func DefaultCostEstimator(cap gwtypes.Capability, _ map[string]any) budget.Cost {
	if cap.CostClass == gwtypes.CostClassNone {
		return budget.Cost{Amount: 0, Reason: "not cost-bearing"}
	}
	return budget.Cost{Amount: 1, Reason: string(cap.CostClass)}
}

// Config is the complete, validated construction input for a Gateway.
// Every dependency is supplied explicitly; there is no default
// wiring, so tests can substitute any stage with a fake.
type Config struct {
	Principals   *principal.Resolver
	Capabilities *capability.Registry
	RateLimiter  *ratelimit.Limiter
	RateLimits   ratelimit.Config
	Policy       *pdp.Engine
	Schemas      *filter.SchemaSet
	Budgets      budget.Enforcer
	Adapters     *adapter.Registry
	Audit        *audit.Emitter
	Observer     *observability.Provider
	CostEstimator CostEstimator
}

// Gateway is the governance gateway's single entry point: one
// constructed instance owns every pipeline stage and is safe for
// concurrent use by many callers.
type Gateway struct {
	principals   *principal.Resolver
	capabilities *capability.Registry
	rateLimiter  *ratelimit.Limiter
	rateLimits   ratelimit.Config
	policy       *pdp.Engine
	schemas      *filter.SchemaSet
	budgets      budget.Enforcer
	adapters     *adapter.Registry
	auditor      *audit.Emitter
	observer     *observability.Provider
	costEstimator CostEstimator
}

// New constructs a Gateway from cfg. All fields except Observer and
// CostEstimator are required.
func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Principals == nil:
		return nil, errors.New("gateway: principal resolver is required")
	case cfg.Capabilities == nil:
		return nil, errors.New("gateway: capability registry is required")
	case cfg.RateLimiter == nil:
		return nil, errors.New("gateway: rate limiter is required")
	case cfg.Policy == nil:
		return nil, errors.New("gateway: policy engine is required")
	case cfg.Schemas == nil:
		return nil, errors.New("gateway: schema set is required")
	case cfg.Budgets == nil:
		return nil, errors.New("gateway: budget enforcer is required")
	case cfg.Adapters == nil:
		return nil, errors.New("gateway: adapter registry is required")
	case cfg.Audit == nil:
		return nil, errors.New("gateway: audit emitter is required")
	}

	estimator := cfg.CostEstimator
	if estimator == nil {
		estimator = DefaultCostEstimator
	}

	return &Gateway{
		principals:    cfg.Principals,
		capabilities:  cfg.Capabilities,
		rateLimiter:   cfg.RateLimiter,
		rateLimits:    cfg.RateLimits,
		policy:        cfg.Policy,
		schemas:       cfg.Schemas,
		budgets:       cfg.Budgets,
		adapters:      cfg.Adapters,
		auditor:       cfg.Audit,
		observer:      cfg.Observer,
		costEstimator: estimator,
	}, nil
}

// gated carries the state accumulated as a request moves through the
// pipeline, so every exit path can build a complete AuditEvent
// without threading a dozen loose return values.
type gated struct {
	requestID   string
	startedAt   time.Time
	principal   *gwtypes.Principal
	capability  *gwtypes.Capability
	resource    *gwtypes.Resource
	decision    gwtypes.Decision
	args        map[string]any
	peerAddr    string
}

// Invoke runs token through the full pipeline and, if every stage
// admits the request, dispatches it to the backend resource. An
// AuditEvent is always emitted before Invoke returns, whether the
// outcome is success, denial, or error.
func (g *Gateway) Invoke(ctx context.Context, token, peerAddr string, req gwtypes.InvocationRequest) (gwtypes.InvocationResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	st := &gated{requestID: req.RequestID, startedAt: time.Now(), peerAddr: peerAddr}

	if req.DeadlineMS <= 0 {
		err := gwerrors.New(gwerrors.KindTimeout, "deadline_ms must be positive").WithRequestID(req.RequestID)
		g.emitFailure(ctx, st, req, "invoke.rejected", err, "deadline_exceeded")
		return gwtypes.InvocationResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.DeadlineMS)*time.Millisecond)
	defer cancel()

	if err := g.authorize(ctx, st, token, req); err != nil {
		return gwtypes.InvocationResult{}, err
	}

	stageCtx, done := g.trackStage(ctx, observability.StageAdapterDispatch)
	result, err := g.adapters.Invoke(stageCtx, gwtypes.InvocationRequest{
		CapabilityID: req.CapabilityID,
		PrincipalID:  st.principal.ID,
		Arguments:    st.args,
		Context:      req.Context,
		RequestID:    req.RequestID,
		DeadlineMS:   req.DeadlineMS,
	}, *st.capability, *st.resource)
	done(err, false)

	if err != nil {
		g.emitFailure(ctx, st, req, "invoke.upstream_error", err, err.Error())
		return gwtypes.InvocationResult{}, err
	}

	result.DurationMS = time.Since(st.startedAt).Milliseconds()
	g.emitSuccess(ctx, st, req, result)
	return result, nil
}

// InvokeStreaming runs the same gating pipeline as Invoke, then
// returns an iterator over the backend's Frame stream instead of a
// single result. The audit event for a streaming call is emitted at
// admission time, before any frame is produced, since a long-running
// stream may outlive the deadline used to size the audit record.
func (g *Gateway) InvokeStreaming(ctx context.Context, token, peerAddr string, req gwtypes.InvocationRequest) (func(func(gwtypes.Frame) bool), error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	st := &gated{requestID: req.RequestID, startedAt: time.Now(), peerAddr: peerAddr}

	if req.DeadlineMS <= 0 {
		err := gwerrors.New(gwerrors.KindTimeout, "deadline_ms must be positive").WithRequestID(req.RequestID)
		g.emitFailure(ctx, st, req, "invoke.rejected", err, "deadline_exceeded")
		return nil, err
	}

	if err := g.authorize(ctx, st, token, req); err != nil {
		return nil, err
	}

	stageCtx, done := g.trackStage(ctx, observability.StageAdapterDispatch)
	iter, err := g.adapters.InvokeStreaming(stageCtx, gwtypes.InvocationRequest{
		CapabilityID: req.CapabilityID,
		PrincipalID:  st.principal.ID,
		Arguments:    st.args,
		Context:      req.Context,
		RequestID:    req.RequestID,
		DeadlineMS:   req.DeadlineMS,
	}, *st.capability, *st.resource)
	done(err, false)

	if err != nil {
		g.emitFailure(ctx, st, req, "invoke.upstream_error", err, err.Error())
		return nil, err
	}

	g.emitSuccess(ctx, st, req, gwtypes.InvocationResult{Success: true})
	return iter, nil
}

// authorize runs the principal-resolve through budget-check stages,
// populating st as it goes. It returns a non-nil *gwerrors.Error and
// emits a denial AuditEvent on the first stage that fails.
func (g *Gateway) authorize(ctx context.Context, st *gated, token string, req gwtypes.InvocationRequest) error {
	stageCtx, done := g.trackStage(ctx, observability.StagePrincipalResolve)
	p, err := g.principals.Resolve(token, st.peerAddr)
	done(err, false)
	if err != nil {
		g.emitFailure(ctx, st, req, "principal.resolve_failed", err, "auth_failed")
		return err
	}
	st.principal = p

	stageCtx, done = g.trackStage(ctx, observability.StageCapabilityLookup)
	cap, res, err := g.capabilities.Lookup(req.CapabilityID)
	done(err, false)
	if err != nil {
		g.emitFailure(ctx, st, req, "capability.lookup_failed", err, "capability_not_found")
		return err
	}
	st.capability, st.resource = cap, res

	stageCtx, done = g.trackStage(ctx, observability.StageRateLimit)
	rlResult, err := g.rateLimiter.Check(stageCtx, p.ID, cap.ID, g.rateLimits)
	if err == nil && !rlResult.Allowed {
		err = gwerrors.New(gwerrors.KindRateLimited, "rate limit exceeded for principal %s", p.ID).
			WithRequestID(req.RequestID).
			WithRetryAfter(int64(time.Until(rlResult.ResetAt).Seconds()))
	}
	done(err, err != nil)
	if err != nil {
		g.emitFailure(ctx, st, req, "rate_limit.denied", err, "rate_limited")
		return err
	}

	action := gwtypes.Action{ResourceID: res.ID, Operation: gwtypes.OpExecute, Parameters: req.Arguments}
	input := gwtypes.DecisionInput{
		Principal:  *p,
		Action:     action,
		Capability: *cap,
		Context: gwtypes.DecisionContext{
			Timestamp: time.Now().UTC(),
			IPAddress: st.peerAddr,
			RequestID: req.RequestID,
			Environment: req.Context,
		},
	}

	stageCtx, done = g.trackStage(ctx, observability.StagePolicyDecision)
	decision, err := g.policy.Evaluate(stageCtx, input)
	done(err, !decision.Allow)
	st.decision = decision
	if err != nil {
		evalErr := gwerrors.Wrap(gwerrors.KindInternal, err, "policy evaluation failed").WithRequestID(req.RequestID)
		reason := "evaluation_error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "deadline_exceeded"
		}
		g.emitFailure(ctx, st, req, "policy.evaluation_error", evalErr, reason)
		return evalErr
	}
	if !decision.Allow {
		err := gwerrors.New(gwerrors.KindDenied, "denied: %s", decision.Reason).WithRequestID(req.RequestID)
		g.emitFailure(ctx, st, req, "policy.denied", err, decision.Reason)
		return err
	}

	_, done = g.trackStage(ctx, observability.StageParameterFilter)
	args, err := filter.Filter(g.schemas, cap.ID, req.Arguments, decision.FilterMask)
	done(err, false)
	if err != nil {
		g.emitFailure(ctx, st, req, "filter.validation_failed", err, "validation_error")
		return err
	}
	st.args = args

	cost := g.costEstimator(*cap, args)
	if cost.Amount > 0 {
		budgetCtx, done := g.trackStage(ctx, observability.StageBudgetCheck)
		budgetDecision, err := g.budgets.Check(budgetCtx, p.ID, cost)
		if err == nil && (budgetDecision == nil || !budgetDecision.Allowed) {
			reason := "budget exceeded"
			var resetAt time.Time
			if budgetDecision != nil {
				reason = budgetDecision.Reason
				resetAt = budgetDecision.ResetAt
			}
			budgetErr := gwerrors.New(gwerrors.KindBudgetExceeded, "%s", reason).WithRequestID(req.RequestID)
			if !resetAt.IsZero() {
				budgetErr = budgetErr.WithRetryAfter(int64(time.Until(resetAt).Seconds()))
			}
			err = budgetErr
		}
		done(err, err != nil)
		if err != nil {
			g.emitFailure(ctx, st, req, "budget.denied", err, "budget_exceeded")
			return err
		}
	}

	return nil
}

// ListResources returns every resource the capability registry knows
// about. It does not gate on policy: resource discovery is not itself
// a sensitive operation, but invoking a capability on a resource the
// caller cannot see is still denied at Invoke time.
func (g *Gateway) ListResources() []gwtypes.Resource {
	return g.capabilities.ListResources()
}

// ListCapabilities returns every capability owned by resourceID.
func (g *Gateway) ListCapabilities(resourceID string) []gwtypes.Capability {
	return g.capabilities.ListCapabilities(resourceID)
}

// HealthCheck probes the backend behind capabilityID's resource.
func (g *Gateway) HealthCheck(ctx context.Context, capabilityID string) error {
	_, res, err := g.capabilities.Lookup(capabilityID)
	if err != nil {
		return err
	}
	return g.adapters.HealthCheck(ctx, *res)
}

// Drain moves every adapter to draining, waits for in-flight calls to
// finish or ctx to expire, then stops the audit emitter so its queue
// fully flushes before the process exits.
func (g *Gateway) Drain(ctx context.Context) error {
	err := g.adapters.Drain(ctx)
	g.auditor.Stop()
	if g.observer != nil {
		if shutdownErr := g.observer.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}
	return err
}

func (g *Gateway) trackStage(ctx context.Context, stage observability.Stage) (context.Context, func(err error, denied bool)) {
	if g.observer == nil {
		return ctx, func(error, bool) {}
	}
	return g.observer.TrackStage(ctx, stage)
}

func (g *Gateway) emitSuccess(ctx context.Context, st *gated, req gwtypes.InvocationRequest, result gwtypes.InvocationResult) {
	ev := g.baseEvent(st, req, "invoke.success", gwtypes.SeverityLow)
	ev.Decision = "allow"
	ev.Success = result.Success
	ev.LatencyMS = time.Since(st.startedAt).Milliseconds()
	ev.ActionOperation = gwtypes.OpExecute
	ev.ActionParameters = st.args
	if !result.Success {
		ev.ErrorMessage = result.Error
	}
	g.auditor.Emit(ev)
}

func (g *Gateway) emitFailure(ctx context.Context, st *gated, req gwtypes.InvocationRequest, eventType string, err error, reason string) {
	severity := gwtypes.SeverityMedium
	kind := gwerrors.KindOf(err)
	if kind == gwerrors.KindInternal {
		severity = gwtypes.SeverityHigh
	}

	ev := g.baseEvent(st, req, eventType, severity)
	ev.Decision = "deny"
	ev.Success = false
	ev.ErrorMessage = fmt.Sprintf("%s: %s", reason, err.Error())
	ev.LatencyMS = time.Since(st.startedAt).Milliseconds()
	if st.args != nil {
		ev.ActionParameters = st.args
	}
	g.auditor.Emit(ev)
}

func (g *Gateway) baseEvent(st *gated, req gwtypes.InvocationRequest, eventType string, severity gwtypes.Severity) gwtypes.AuditEvent {
	ev := gwtypes.AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  severity,
		RequestID: st.requestID,
		IPAddress: st.peerAddr,
	}
	if st.principal != nil {
		ev.PrincipalID = st.principal.ID
		ev.PrincipalType = st.principal.Type
		ev.PrincipalAttrs = st.principal.Attributes
	} else {
		ev.PrincipalID = req.PrincipalID
	}
	if st.resource != nil {
		ev.ResourceID = st.resource.ID
		ev.ResourceType = st.resource.Protocol
	}
	if st.capability != nil {
		ev.CapabilityID = st.capability.ID
	}
	if st.decision.Reason != "" {
		ev.PolicyID = st.decision.Reason
	}
	if len(st.decision.PoliciesEvaluated) > 0 {
		ev.PolicyVersion = st.decision.PoliciesEvaluated[0]
	}
	return ev
}
