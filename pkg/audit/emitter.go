// Package audit implements the gateway's Audit Emitter stage
// (spec §4.8): every pipeline exit path enqueues an AuditEvent onto a
// bounded channel drained by a single writer goroutine, so a slow or
// unavailable durable store degrades the queue (drop-oldest) instead
// of blocking the request path.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// Store persists AuditEvents durably, at-least-once.
type Store interface {
	Append(ctx context.Context, event gwtypes.AuditEvent) error
}

// Sink receives every emitted event in addition to the durable Store,
// e.g. a SIEM fan-out. Sinks never block emission; a slow sink drops
// events rather than stall the writer goroutine.
type Sink interface {
	Name() string
	Emit(event gwtypes.AuditEvent)
}

// Emitter is the bounded, single-writer audit pipeline. Emit never
// blocks the caller beyond a fast channel send; on a full queue the
// oldest event is dropped and DroppedCount is incremented, rather than
// applying backpressure to the request path (spec §4.8 overflow
// policy).
type Emitter struct {
	queue  chan gwtypes.AuditEvent
	store  Store
	sinks  []Sink
	log    *slog.Logger

	dropped atomic.Uint64

	wg     sync.WaitGroup
	done   chan struct{}
}

// New constructs an Emitter with a queue of the given capacity.
func New(capacity int, store Store, sinks []Sink, log *slog.Logger) *Emitter {
	if capacity <= 0 {
		capacity = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{
		queue: make(chan gwtypes.AuditEvent, capacity),
		store: store,
		sinks: sinks,
		log:   log,
		done:  make(chan struct{}),
	}
}

// Run starts the single writer goroutine and returns at once. The
// goroutine exits once Stop is called and the queue has drained.
func (e *Emitter) Run(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case ev, ok := <-e.queue:
				if !ok {
					return
				}
				e.write(ctx, ev)
			case <-e.done:
				// Drain whatever remains without blocking forever.
				for {
					select {
					case ev, ok := <-e.queue:
						if !ok {
							return
						}
						e.write(ctx, ev)
					default:
						return
					}
				}
			}
		}
	}()
}

func (e *Emitter) write(ctx context.Context, ev gwtypes.AuditEvent) {
	if e.store != nil {
		if err := e.store.Append(ctx, ev); err != nil {
			e.log.Error("audit store append failed", "event_id", ev.ID, "error", err)
		}
	}
	for _, sink := range e.sinks {
		sink.Emit(ev)
	}
}

// Emit enqueues an event. If the queue is full, the oldest queued
// event is dropped to make room — the newest event always wins,
// since it reflects the most recent pipeline activity.
func (e *Emitter) Emit(ev gwtypes.AuditEvent) {
	select {
	case e.queue <- ev:
		return
	default:
	}

	select {
	case <-e.queue:
		e.dropped.Add(1)
	default:
	}
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
	}
}

// DroppedCount reports how many events have been dropped for queue
// overflow since construction.
func (e *Emitter) DroppedCount() uint64 {
	return e.dropped.Load()
}

// Stop signals the writer to drain the queue and exit, then waits for
// it to finish.
func (e *Emitter) Stop() {
	close(e.done)
	close(e.queue)
	e.wg.Wait()
}
