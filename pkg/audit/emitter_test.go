package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

type memStore struct {
	mu     sync.Mutex
	events []gwtypes.AuditEvent
}

func (s *memStore) Append(ctx context.Context, event gwtypes.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type recordingSink struct {
	mu   sync.Mutex
	seen []gwtypes.AuditEvent
}

func (s *recordingSink) Name() string { return "recording" }
func (s *recordingSink) Emit(event gwtypes.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, event)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestEmitterWritesToStoreAndSinks(t *testing.T) {
	store := &memStore{}
	sink := &recordingSink{}
	e := New(16, store, []Sink{sink}, nil)
	e.Run(context.Background())
	defer e.Stop()

	e.Emit(gwtypes.AuditEvent{ID: "evt-1"})

	waitFor(t, time.Second, func() bool { return store.count() == 1 && sink.count() == 1 })
}

func TestEmitterDropsOldestOnOverflow(t *testing.T) {
	// No Run() call: the queue never drains, so every Emit beyond
	// capacity must evict the oldest entry rather than block.
	e := New(2, nil, nil, nil)

	e.Emit(gwtypes.AuditEvent{ID: "1"})
	e.Emit(gwtypes.AuditEvent{ID: "2"})
	e.Emit(gwtypes.AuditEvent{ID: "3"})

	if e.DroppedCount() == 0 {
		t.Errorf("expected at least one dropped event")
	}
}

func TestEmitterStopDrainsQueue(t *testing.T) {
	store := &memStore{}
	e := New(16, store, nil, nil)
	e.Run(context.Background())

	for i := 0; i < 5; i++ {
		e.Emit(gwtypes.AuditEvent{ID: "evt"})
	}
	e.Stop()

	if store.count() != 5 {
		t.Errorf("expected all 5 events drained to store, got %d", store.count())
	}
}
