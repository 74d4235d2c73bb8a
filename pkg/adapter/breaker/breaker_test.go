package breaker

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("expected closed breaker to allow request %d", i)
		}
		b.Failure()
	}
	if b.Allow() {
		t.Errorf("expected breaker to be open after threshold failures")
	}
	if b.State() != "open" {
		t.Errorf("expected state open, got %s", b.State())
	}
}

func TestBreakerHalfOpensAfterResetTimeout(t *testing.T) {
	b := New(1, time.Millisecond)
	b.Allow()
	b.Failure()
	if b.Allow() {
		t.Fatalf("expected still-open breaker to deny immediately")
	}
	time.Sleep(5 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected breaker to allow a trial request after reset timeout")
	}
}

func TestBreakerClosesOnHalfOpenSuccess(t *testing.T) {
	b := New(1, time.Millisecond)
	b.Allow()
	b.Failure()
	time.Sleep(5 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected trial request to be allowed")
	}
	b.Success()
	if b.State() != "closed" {
		t.Errorf("expected breaker to close after successful trial, got %s", b.State())
	}
	if !b.Allow() {
		t.Errorf("expected closed breaker to allow requests")
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := New(1, time.Millisecond)
	b.Allow()
	b.Failure()
	time.Sleep(5 * time.Millisecond)
	b.Allow()
	b.Failure()
	if b.State() != "open" {
		t.Errorf("expected breaker to reopen after a failed trial, got %s", b.State())
	}
}
