// Package adapter implements the gateway's Adapter Dispatch stage
// (spec §4.7): a uniform interface over heterogeneous backend
// protocols (MCP, HTTP, gRPC), each guarded by its own circuit
// breaker and retry policy, registered under a lifecycle the gateway
// can drain cleanly on shutdown.
package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mindburn-labs/sentrygate/pkg/adapter/breaker"
	"github.com/mindburn-labs/sentrygate/pkg/adapter/retry"
	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// Adapter is the uniform interface every protocol backend implements,
// grounded on the executor package's ToolDriver — generalized from a
// single Execute method to the full dispatch lifecycle the spec
// requires.
type Adapter interface {
	// Protocol identifies which wire protocol this adapter serves.
	Protocol() gwtypes.Protocol
	// Invoke performs a single request/response call.
	Invoke(ctx context.Context, req gwtypes.InvocationRequest, cap gwtypes.Capability, res gwtypes.Resource) (gwtypes.InvocationResult, error)
	// InvokeStreaming performs a streaming call, yielding Frames
	// through a range-over-func iterator so the caller can break out
	// early without leaking the underlying stream.
	InvokeStreaming(ctx context.Context, req gwtypes.InvocationRequest, cap gwtypes.Capability, res gwtypes.Resource) func(func(gwtypes.Frame) bool)
	// HealthCheck reports whether the backend is currently reachable.
	HealthCheck(ctx context.Context, res gwtypes.Resource) error
}

// Lifecycle is the state an adapter registration moves through.
type Lifecycle int32

const (
	LifecycleInit Lifecycle = iota
	LifecycleReady
	LifecycleDraining
	LifecycleClosed
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleReady:
		return "ready"
	case LifecycleDraining:
		return "draining"
	case LifecycleClosed:
		return "closed"
	default:
		return "init"
	}
}

type registration struct {
	adapter   Adapter
	lifecycle atomic.Int32
	breaker   *breaker.Breaker
	inflight  atomic.Int64
}

// Registry holds one adapter per protocol along with its breaker and
// lifecycle state, and dispatches invocations through retry + breaker
// composition.
type Registry struct {
	mu           sync.RWMutex
	byProtocol   map[gwtypes.Protocol]*registration
	retryPolicy  retry.Policy
}

// NewRegistry constructs an empty Registry.
func NewRegistry(retryPolicy retry.Policy) *Registry {
	return &Registry{byProtocol: make(map[gwtypes.Protocol]*registration), retryPolicy: retryPolicy}
}

// Register adds an adapter for its protocol, starting in Ready state.
func (r *Registry) Register(a Adapter, breakerThreshold int, breakerReset time.Duration) {
	reg := &registration{adapter: a, breaker: breaker.New(breakerThreshold, breakerReset)}
	reg.lifecycle.Store(int32(LifecycleReady))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byProtocol[a.Protocol()] = reg
}

// Invoke dispatches req against res's protocol adapter, composing the
// circuit breaker with a retry policy. A request made while the
// adapter is draining or closed is rejected immediately.
func (r *Registry) Invoke(ctx context.Context, req gwtypes.InvocationRequest, cap gwtypes.Capability, res gwtypes.Resource) (gwtypes.InvocationResult, error) {
	reg, err := r.lookup(res.Protocol)
	if err != nil {
		return gwtypes.InvocationResult{}, err
	}

	if Lifecycle(reg.lifecycle.Load()) != LifecycleReady {
		return gwtypes.InvocationResult{}, gwerrors.New(gwerrors.KindUpstream, "adapter for %s is %s", res.Protocol, Lifecycle(reg.lifecycle.Load()))
	}
	if !reg.breaker.Allow() {
		return gwtypes.InvocationResult{}, gwerrors.New(gwerrors.KindCircuitOpen, "circuit open for resource %s", res.ID)
	}

	reg.inflight.Add(1)
	defer reg.inflight.Add(-1)

	// Only idempotent capabilities are retried; a non-idempotent call
	// gets exactly one attempt.
	policy := r.retryPolicy
	if !cap.Idempotent {
		policy.MaxAttempts = 1
	}

	var result gwtypes.InvocationResult
	invokeErr := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		result, err = reg.adapter.Invoke(ctx, req, cap, res)
		return err
	})

	if invokeErr != nil {
		reg.breaker.Failure()
		return gwtypes.InvocationResult{}, gwerrors.Wrap(gwerrors.KindUpstream, invokeErr, "invocation failed")
	}
	reg.breaker.Success()
	return result, nil
}

// InvokeStreaming dispatches a streaming call; breaker/retry apply
// only to stream establishment, not to individual frames, since
// retrying mid-stream would duplicate already-delivered frames.
func (r *Registry) InvokeStreaming(ctx context.Context, req gwtypes.InvocationRequest, cap gwtypes.Capability, res gwtypes.Resource) (func(func(gwtypes.Frame) bool), error) {
	reg, err := r.lookup(res.Protocol)
	if err != nil {
		return nil, err
	}
	if Lifecycle(reg.lifecycle.Load()) != LifecycleReady {
		return nil, gwerrors.New(gwerrors.KindUpstream, "adapter for %s is %s", res.Protocol, Lifecycle(reg.lifecycle.Load()))
	}
	if !reg.breaker.Allow() {
		return nil, gwerrors.New(gwerrors.KindCircuitOpen, "circuit open for resource %s", res.ID)
	}

	reg.inflight.Add(1)
	iter := reg.adapter.InvokeStreaming(ctx, req, cap, res)
	return func(yield func(gwtypes.Frame) bool) {
		defer reg.inflight.Add(-1)
		sawError := false
		iter(func(f gwtypes.Frame) bool {
			if f.Err != "" {
				sawError = true
			}
			return yield(f)
		})
		if sawError {
			reg.breaker.Failure()
		} else {
			reg.breaker.Success()
		}
	}, nil
}

// HealthCheck probes one resource through the adapter registered for
// its protocol.
func (r *Registry) HealthCheck(ctx context.Context, res gwtypes.Resource) error {
	reg, err := r.lookup(res.Protocol)
	if err != nil {
		return err
	}
	return reg.adapter.HealthCheck(ctx, res)
}

// Drain moves every registered adapter to draining, so new Invoke
// calls are rejected, then returns once all in-flight calls have
// finished or ctx is done.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.RLock()
	regs := make([]*registration, 0, len(r.byProtocol))
	for _, reg := range r.byProtocol {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	for _, reg := range regs {
		reg.lifecycle.Store(int32(LifecycleDraining))
	}

	for _, reg := range regs {
		for reg.inflight.Load() > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("adapter: drain deadline exceeded with %d in-flight calls", reg.inflight.Load())
			default:
			}
		}
		reg.lifecycle.Store(int32(LifecycleClosed))
	}
	return nil
}

func (r *Registry) lookup(p gwtypes.Protocol) (*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byProtocol[p]
	if !ok {
		return nil, gwerrors.New(gwerrors.KindNotFound, "no adapter registered for protocol %s", p)
	}
	return reg, nil
}
