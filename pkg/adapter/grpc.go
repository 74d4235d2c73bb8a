package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// grpcRetryableError wraps a gRPC status that is safe to retry —
// Unavailable and ResourceExhausted, per the conventional gRPC retry
// policy; anything else reflects a client-side or semantic error that
// retrying will not fix.
type grpcRetryableError struct{ err error }

func (e grpcRetryableError) Error() string   { return e.err.Error() }
func (e grpcRetryableError) Unwrap() error   { return e.err }
func (e grpcRetryableError) Retryable() bool { return true }

// GRPCInvoker performs the actual unary/streaming call over an
// established connection. Adapters don't know the service's proto
// contract, so this is supplied by the caller per-capability, the way
// the executor package's MCPDriver takes an opaque client.
type GRPCInvoker interface {
	InvokeUnary(ctx context.Context, conn *grpc.ClientConn, method string, args map[string]any) (any, error)
	InvokeStream(ctx context.Context, conn *grpc.ClientConn, method string, args map[string]any) (<-chan any, <-chan error)
}

// GRPCAdapter dispatches invocations over gRPC, grounded on the
// networking package's Dial/DialContext helpers for connection setup,
// pooling one *grpc.ClientConn per resource endpoint.
type GRPCAdapter struct {
	invoker GRPCInvoker

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCAdapter wraps a GRPCInvoker.
func NewGRPCAdapter(invoker GRPCInvoker) *GRPCAdapter {
	return &GRPCAdapter{invoker: invoker, conns: make(map[string]*grpc.ClientConn)}
}

func (a *GRPCAdapter) Protocol() gwtypes.Protocol { return gwtypes.ProtocolGRPC }

func (a *GRPCAdapter) connFor(endpoint string) (*grpc.ClientConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conn, ok := a.conns[endpoint]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc adapter: dial %s failed: %w", endpoint, err)
	}
	a.conns[endpoint] = conn
	return conn, nil
}

func (a *GRPCAdapter) Invoke(ctx context.Context, req gwtypes.InvocationRequest, cap gwtypes.Capability, res gwtypes.Resource) (gwtypes.InvocationResult, error) {
	if a.invoker == nil {
		return gwtypes.InvocationResult{}, gwerrors.New(gwerrors.KindUpstream, "grpc adapter: invoker not configured")
	}
	conn, err := a.connFor(res.Endpoint)
	if err != nil {
		return gwtypes.InvocationResult{}, gwerrors.Wrap(gwerrors.KindUpstream, err, "grpc adapter: connection failed")
	}

	start := time.Now()
	result, err := a.invoker.InvokeUnary(ctx, conn, cap.Name, req.Arguments)
	if err != nil {
		if isRetryableGRPCError(err) {
			return gwtypes.InvocationResult{}, grpcRetryableError{err}
		}
		return gwtypes.InvocationResult{}, err
	}
	return gwtypes.InvocationResult{Success: true, Result: result, DurationMS: time.Since(start).Milliseconds()}, nil
}

func (a *GRPCAdapter) InvokeStreaming(ctx context.Context, req gwtypes.InvocationRequest, cap gwtypes.Capability, res gwtypes.Resource) func(func(gwtypes.Frame) bool) {
	return func(yield func(gwtypes.Frame) bool) {
		if a.invoker == nil {
			yield(gwtypes.Frame{Err: "grpc adapter: invoker not configured", Final: true})
			return
		}
		conn, err := a.connFor(res.Endpoint)
		if err != nil {
			yield(gwtypes.Frame{Err: err.Error(), Final: true})
			return
		}

		data, errs := a.invoker.InvokeStream(ctx, conn, cap.Name, req.Arguments)
		seq := 0
		for {
			select {
			case <-ctx.Done():
				yield(gwtypes.Frame{Sequence: seq, Err: ctx.Err().Error(), Final: true})
				return
			case d, ok := <-data:
				if !ok {
					yield(gwtypes.Frame{Sequence: seq, Final: true})
					return
				}
				if !yield(gwtypes.Frame{Sequence: seq, Data: d}) {
					return
				}
				seq++
			case err, ok := <-errs:
				if ok && err != nil {
					yield(gwtypes.Frame{Sequence: seq, Err: err.Error(), Final: true})
					return
				}
			}
		}
	}
}

func (a *GRPCAdapter) HealthCheck(ctx context.Context, res gwtypes.Resource) error {
	conn, err := a.connFor(res.Endpoint)
	if err != nil {
		return err
	}
	state := conn.GetState()
	if state.String() == "TRANSIENT_FAILURE" || state.String() == "SHUTDOWN" {
		return fmt.Errorf("grpc adapter: connection to %s is %s", res.Endpoint, state)
	}
	return nil
}

func isRetryableGRPCError(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
