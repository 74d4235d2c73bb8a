package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// httpRetryableError marks an HTTP failure as safe to retry — 5xx and
// transport errors, never 4xx, since the latter reflects a malformed
// or rejected request retrying will not fix.
type httpRetryableError struct{ err error }

func (e httpRetryableError) Error() string  { return e.err.Error() }
func (e httpRetryableError) Unwrap() error  { return e.err }
func (e httpRetryableError) Retryable() bool { return true }

// HTTPAdapter dispatches invocations to HTTP-reachable resources,
// grounded on the resiliency package's EnhancedClient request shape
// (trace header injection, timeout) minus its own inline retry/breaker
// loop — those concerns now live in the shared retry and breaker
// packages so every adapter composes them the same way.
type HTTPAdapter struct {
	client *http.Client
}

// NewHTTPAdapter constructs an adapter with the given per-request
// timeout.
func NewHTTPAdapter(timeout time.Duration) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAdapter{client: &http.Client{Timeout: timeout}}
}

func (a *HTTPAdapter) Protocol() gwtypes.Protocol { return gwtypes.ProtocolHTTP }

func (a *HTTPAdapter) Invoke(ctx context.Context, req gwtypes.InvocationRequest, cap gwtypes.Capability, res gwtypes.Resource) (gwtypes.InvocationResult, error) {
	body, err := json.Marshal(req.Arguments)
	if err != nil {
		return gwtypes.InvocationResult{}, gwerrors.Wrap(gwerrors.KindValidation, err, "http adapter: argument encoding failed")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, res.Endpoint+"/"+cap.Name, bytes.NewReader(body))
	if err != nil {
		return gwtypes.InvocationResult{}, gwerrors.Wrap(gwerrors.KindInternal, err, "http adapter: request construction failed")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return gwtypes.InvocationResult{}, httpRetryableError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return gwtypes.InvocationResult{}, httpRetryableError{fmt.Errorf("http adapter: upstream returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return gwtypes.InvocationResult{}, gwerrors.New(gwerrors.KindUpstream, "http adapter: upstream returned %d", resp.StatusCode)
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return gwtypes.InvocationResult{}, gwerrors.Wrap(gwerrors.KindUpstream, err, "http adapter: response decoding failed")
	}

	return gwtypes.InvocationResult{
		Success:    true,
		Result:     payload,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// InvokeStreaming is not supported over plain HTTP request/response;
// the returned iterator yields a single final frame carrying an error.
// The gateway does not check the capability's streaming mode before
// dispatch.
func (a *HTTPAdapter) InvokeStreaming(ctx context.Context, req gwtypes.InvocationRequest, cap gwtypes.Capability, res gwtypes.Resource) func(func(gwtypes.Frame) bool) {
	return func(yield func(gwtypes.Frame) bool) {
		yield(gwtypes.Frame{Err: "http adapter does not support streaming", Final: true})
	}
}

func (a *HTTPAdapter) HealthCheck(ctx context.Context, res gwtypes.Resource) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, res.Endpoint+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http adapter: health check returned %d", resp.StatusCode)
	}
	return nil
}
