package adapter

import (
	"context"
	"fmt"

	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// MCPClient is the subset of a Model Context Protocol client the
// adapter needs, grounded on the executor package's MCPDriver client
// shape.
type MCPClient interface {
	Call(ctx context.Context, endpoint, tool string, params map[string]any) (any, error)
	CallStreaming(ctx context.Context, endpoint, tool string, params map[string]any) (<-chan any, <-chan error)
	Ping(ctx context.Context, endpoint string) error
}

// MCPAdapter dispatches invocations to MCP-reachable resources.
type MCPAdapter struct {
	client MCPClient
}

// NewMCPAdapter wraps an MCPClient.
func NewMCPAdapter(client MCPClient) *MCPAdapter {
	return &MCPAdapter{client: client}
}

func (a *MCPAdapter) Protocol() gwtypes.Protocol { return gwtypes.ProtocolMCP }

func (a *MCPAdapter) Invoke(ctx context.Context, req gwtypes.InvocationRequest, cap gwtypes.Capability, res gwtypes.Resource) (gwtypes.InvocationResult, error) {
	if a.client == nil {
		return gwtypes.InvocationResult{}, gwerrors.New(gwerrors.KindUpstream, "mcp adapter: client not configured")
	}
	result, err := a.client.Call(ctx, res.Endpoint, cap.Name, req.Arguments)
	if err != nil {
		return gwtypes.InvocationResult{}, err
	}
	return gwtypes.InvocationResult{Success: true, Result: result}, nil
}

func (a *MCPAdapter) InvokeStreaming(ctx context.Context, req gwtypes.InvocationRequest, cap gwtypes.Capability, res gwtypes.Resource) func(func(gwtypes.Frame) bool) {
	return func(yield func(gwtypes.Frame) bool) {
		if a.client == nil {
			yield(gwtypes.Frame{Err: "mcp adapter: client not configured", Final: true})
			return
		}
		data, errs := a.client.CallStreaming(ctx, res.Endpoint, cap.Name, req.Arguments)
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

func (a *MCPAdapter) HealthCheck(ctx context.Context, res gwtypes.Resource) error {
	if a.client == nil {
		return fmt.Errorf("mcp adapter: client not configured")
	}
	return a.client.Ping(ctx, res.Endpoint)
}
