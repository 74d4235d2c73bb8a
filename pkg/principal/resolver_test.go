package principal

import (
	"testing"
	"time"

	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	ks, err := NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("NewInMemoryKeySet: %v", err)
	}
	r, err := NewResolver(ks)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func TestResolveRoundTrip(t *testing.T) {
	r := newTestResolver(t)
	p := gwtypes.Principal{
		ID:         "u1",
		Type:       gwtypes.PrincipalHuman,
		Role:       "developer",
		Teams:      []string{"t1"},
		TrustLevel: gwtypes.TrustTrusted,
	}
	tok, err := r.IssueToken(p, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	got, err := r.Resolve(tok, "10.0.0.1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != p.ID || got.Role != p.Role || got.TrustLevel != p.TrustLevel {
		t.Errorf("resolved principal mismatch: %+v", got)
	}
}

func TestResolveRejectsExpiredToken(t *testing.T) {
	r := newTestResolver(t)
	p := gwtypes.Principal{ID: "u1", Type: gwtypes.PrincipalHuman}
	tok, err := r.IssueToken(p, -time.Second) // already expired
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	_, err = r.Resolve(tok, "")
	if gwerrors.KindOf(err) != gwerrors.KindAuth {
		t.Errorf("expected AuthError, got %v", err)
	}
}

func TestResolveRejectsEmptyToken(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Resolve("", "")
	if gwerrors.KindOf(err) != gwerrors.KindAuth {
		t.Errorf("expected AuthError, got %v", err)
	}
}

func TestResolveDefaultsPrincipalType(t *testing.T) {
	r := newTestResolver(t)
	tok, err := r.IssueToken(gwtypes.Principal{ID: "svc1"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	got, err := r.Resolve(tok, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Type != gwtypes.PrincipalHuman {
		t.Errorf("expected default type human, got %s", got.Type)
	}
}
