// Package siem fans audit events out to external SIEM collectors over
// HTTP, batching and compressing them the way the gateway's HTTP
// adapter posts invocations, with the same retry and circuit breaker
// packages guarding each sink independently so one unreachable
// collector never blocks another.
package siem

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mindburn-labs/sentrygate/pkg/adapter/breaker"
	"github.com/mindburn-labs/sentrygate/pkg/adapter/retry"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// httpRetryableError marks a collector failure as worth retrying —
// mirrors the adapter package's httpRetryableError, but SIEM delivery
// has no idempotency concern since collectors dedupe on event ID.
type httpRetryableError struct{ err error }

func (e httpRetryableError) Error() string  { return e.err.Error() }
func (e httpRetryableError) Unwrap() error  { return e.err }
func (e httpRetryableError) Retryable() bool { return true }

// HTTPSink batches events and posts gzip-compressed JSON to a
// collector endpoint on a fixed interval or when the batch fills,
// whichever comes first.
type HTTPSink struct {
	name     string
	endpoint string
	client   *http.Client
	breaker  *breaker.Breaker
	retry    retry.Policy
	log      *slog.Logger

	batchSize int
	flushEvery time.Duration

	mu      sync.Mutex
	pending []gwtypes.AuditEvent

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewHTTPSink constructs a sink posting to endpoint. batchSize and
// flushEvery bound how long an event can sit before delivery; a zero
// value picks a sane default.
func NewHTTPSink(name, endpoint string, batchSize int, flushEvery time.Duration, log *slog.Logger) *HTTPSink {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	s := &HTTPSink{
		name:       name,
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 10 * time.Second},
		breaker:    breaker.New(5, 30*time.Second),
		retry:      retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
		log:        log,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		flushCh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *HTTPSink) Name() string { return s.name }

// Emit buffers event for the next flush. It never blocks on network
// I/O — delivery happens asynchronously in the background loop.
func (s *HTTPSink) Emit(event gwtypes.AuditEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, event)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

func (s *HTTPSink) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *HTTPSink) flush() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if !s.breaker.Allow() {
		s.log.Warn("siem sink circuit open, dropping batch", "sink", s.name, "events", len(batch))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := retry.Do(ctx, s.retry, func(ctx context.Context) error { return s.post(ctx, batch) })
	if err != nil {
		s.breaker.Failure()
		s.log.Error("siem sink delivery failed", "sink", s.name, "events", len(batch), "error", err)
		return
	}
	s.breaker.Success()
}

func (s *HTTPSink) post(ctx context.Context, batch []gwtypes.AuditEvent) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("siem sink %s: marshal batch: %w", s.name, err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return fmt.Errorf("siem sink %s: gzip: %w", s.name, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("siem sink %s: gzip close: %w", s.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &buf)
	if err != nil {
		return fmt.Errorf("siem sink %s: build request: %w", s.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := s.client.Do(req)
	if err != nil {
		return httpRetryableError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return httpRetryableError{fmt.Errorf("siem sink %s: collector returned %d", s.name, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("siem sink %s: collector returned %d", s.name, resp.StatusCode)
	}
	return nil
}

// Close flushes any pending events and stops the background loop.
func (s *HTTPSink) Close() {
	close(s.done)
	s.wg.Wait()
}
