package budget

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-replica
// deployments. Unlike the teacher's storage, it guards each read and
// each write behind a mutex, so single calls are race-free; the lock
// is not held between the enforcer's Get and Set, so two concurrent
// Check calls for the same principal can still both spend one slot.
type MemoryStore struct {
	mu      sync.Mutex
	ledgers map[string]*Ledger
	limits  map[string][2]int64 // [daily, monthly]

	defaultDaily, defaultMonthly int64
}

// NewMemoryStore constructs a MemoryStore. defaultDaily/defaultMonthly
// apply to any principal with no explicit limits configured.
func NewMemoryStore(defaultDaily, defaultMonthly int64) *MemoryStore {
	return &MemoryStore{
		ledgers:        make(map[string]*Ledger),
		limits:         make(map[string][2]int64),
		defaultDaily:   defaultDaily,
		defaultMonthly: defaultMonthly,
	}
}

func (s *MemoryStore) Get(ctx context.Context, principalID string) (*Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.ledgers[principalID]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) Set(ctx context.Context, ledger *Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ledger
	s.ledgers[ledger.PrincipalID] = &cp
	return nil
}

func (s *MemoryStore) Limits(ctx context.Context, principalID string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lim, ok := s.limits[principalID]; ok {
		return lim[0], lim[1], nil
	}
	return s.defaultDaily, s.defaultMonthly, nil
}

func (s *MemoryStore) SetLimits(ctx context.Context, principalID string, daily, monthly int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[principalID] = [2]int64{daily, monthly}
	return nil
}
