// Package breaker implements a per-resource circuit breaker used by
// the Adapter Dispatch stage (spec §4.7) to stop sending traffic to a
// backend that is failing, without serializing every request behind a
// shared lock.
package breaker

import (
	"sync/atomic"
	"time"
)

type state int32

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a lock-free circuit breaker: state, failure count, and
// last-failure timestamp are each held in an atomic word and advanced
// with compare-and-swap, so concurrent callers never block each other
// on a mutex the way the resiliency package's CircuitBreaker does.
type Breaker struct {
	state        atomic.Int32
	failureCount atomic.Int32
	lastFailure  atomic.Int64 // unix nanos

	threshold    int32
	resetTimeout time.Duration
	halfOpenMax  int32 // concurrent trial requests allowed while half-open
	halfOpenUsed atomic.Int32
}

// New constructs a Breaker that opens after threshold consecutive
// failures and allows one trial request per resetTimeout once open.
func New(threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 10 * time.Second
	}
	return &Breaker{threshold: int32(threshold), resetTimeout: resetTimeout, halfOpenMax: 1}
}

// Allow reports whether a request may proceed. When open past
// resetTimeout it transitions exactly one caller to half-open via CAS
// so only a bounded number of trial requests reach the backend while
// it's suspected healthy again.
func (b *Breaker) Allow() bool {
	switch state(b.state.Load()) {
	case stateClosed:
		return true
	case stateHalfOpen:
		return b.halfOpenUsed.Add(1) <= b.halfOpenMax
	default: // stateOpen
		last := time.Unix(0, b.lastFailure.Load())
		if time.Since(last) <= b.resetTimeout {
			return false
		}
		if b.state.CompareAndSwap(int32(stateOpen), int32(stateHalfOpen)) {
			b.halfOpenUsed.Store(1)
			return true
		}
		// Another goroutine already flipped it; re-check instead of
		// assuming failure.
		return b.Allow()
	}
}

// Success records a successful call. From half-open it closes the
// breaker and resets the failure count.
func (b *Breaker) Success() {
	for {
		cur := state(b.state.Load())
		if cur == stateHalfOpen {
			if b.state.CompareAndSwap(int32(stateHalfOpen), int32(stateClosed)) {
				b.failureCount.Store(0)
				return
			}
			continue
		}
		b.failureCount.Store(0)
		return
	}
}

// Failure records a failed call, opening the breaker once the
// consecutive-failure threshold is reached. A failure while
// half-open reopens immediately regardless of threshold, since a
// trial request failing means the backend is still unhealthy.
func (b *Breaker) Failure() {
	b.lastFailure.Store(time.Now().UnixNano())

	if state(b.state.Load()) == stateHalfOpen {
		b.state.Store(int32(stateOpen))
		return
	}

	if b.failureCount.Add(1) >= b.threshold {
		b.state.Store(int32(stateOpen))
	}
}

// State reports the breaker's current state as a string for metrics
// and audit.
func (b *Breaker) State() string {
	switch state(b.state.Load()) {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
