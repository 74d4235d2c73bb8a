package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mindburn-labs/sentrygate/pkg/adapter/retry"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

type fakeAdapter struct {
	protocol    gwtypes.Protocol
	invokeErr   error
	invokeCalls int
}

func (f *fakeAdapter) Protocol() gwtypes.Protocol { return f.protocol }

func (f *fakeAdapter) Invoke(ctx context.Context, req gwtypes.InvocationRequest, cap gwtypes.Capability, res gwtypes.Resource) (gwtypes.InvocationResult, error) {
	f.invokeCalls++
	if f.invokeErr != nil {
		return gwtypes.InvocationResult{}, f.invokeErr
	}
	return gwtypes.InvocationResult{Success: true}, nil
}

func (f *fakeAdapter) InvokeStreaming(ctx context.Context, req gwtypes.InvocationRequest, cap gwtypes.Capability, res gwtypes.Resource) func(func(gwtypes.Frame) bool) {
	return func(yield func(gwtypes.Frame) bool) {
		yield(gwtypes.Frame{Sequence: 0, Data: "a"})
		yield(gwtypes.Frame{Sequence: 1, Final: true})
	}
}

func (f *fakeAdapter) HealthCheck(ctx context.Context, res gwtypes.Resource) error { return nil }

func TestRegistryInvokeDispatchesByProtocol(t *testing.T) {
	r := NewRegistry(retryPolicyNoRetry())
	a := &fakeAdapter{protocol: gwtypes.ProtocolMCP}
	r.Register(a, 5, 10*time.Second)

	res, err := r.Invoke(context.Background(), gwtypes.InvocationRequest{}, gwtypes.Capability{}, gwtypes.Resource{Protocol: gwtypes.ProtocolMCP})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success")
	}
}

func TestRegistryInvokeUnknownProtocolFails(t *testing.T) {
	r := NewRegistry(retryPolicyNoRetry())
	_, err := r.Invoke(context.Background(), gwtypes.InvocationRequest{}, gwtypes.Capability{}, gwtypes.Resource{Protocol: gwtypes.ProtocolHTTP})
	if err == nil {
		t.Fatalf("expected error for unregistered protocol")
	}
}

func TestRegistryOpensBreakerAfterFailures(t *testing.T) {
	r := NewRegistry(retryPolicyNoRetry())
	a := &fakeAdapter{protocol: gwtypes.ProtocolMCP, invokeErr: httpRetryableError{err: errTest}}
	r.Register(a, 2, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := r.Invoke(context.Background(), gwtypes.InvocationRequest{}, gwtypes.Capability{}, gwtypes.Resource{Protocol: gwtypes.ProtocolMCP}); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}
	_, err := r.Invoke(context.Background(), gwtypes.InvocationRequest{}, gwtypes.Capability{}, gwtypes.Resource{Protocol: gwtypes.ProtocolMCP})
	if err == nil {
		t.Fatalf("expected circuit-open error")
	}
}

func TestRegistryInvokeStreamingYieldsFrames(t *testing.T) {
	r := NewRegistry(retryPolicyNoRetry())
	a := &fakeAdapter{protocol: gwtypes.ProtocolMCP}
	r.Register(a, 5, time.Minute)

	iter, err := r.InvokeStreaming(context.Background(), gwtypes.InvocationRequest{}, gwtypes.Capability{}, gwtypes.Resource{Protocol: gwtypes.ProtocolMCP})
	if err != nil {
		t.Fatalf("InvokeStreaming: %v", err)
	}
	var frames []gwtypes.Frame
	iter(func(f gwtypes.Frame) bool {
		frames = append(frames, f)
		return true
	})
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
}

func TestRegistryDrainRejectsNewInvocations(t *testing.T) {
	r := NewRegistry(retryPolicyNoRetry())
	a := &fakeAdapter{protocol: gwtypes.ProtocolMCP}
	r.Register(a, 5, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	_, err := r.Invoke(context.Background(), gwtypes.InvocationRequest{}, gwtypes.Capability{}, gwtypes.Resource{Protocol: gwtypes.ProtocolMCP})
	if err == nil {
		t.Fatalf("expected invoke to be rejected after drain")
	}
}

var errTest = errors.New("boom")

func retryPolicyNoRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 1}
}
