// Package budget implements the gateway's Cost Admission stage
// (spec §4.6): per-principal daily/monthly ceilings, checked and
// reserved before an invocation proceeds, fail-closed on any storage
// error. The check and the reservation are not one atomic step.
package budget

import (
	"context"
	"time"
)

// Cost is a cost estimate for one invocation, in integer cents so
// arithmetic never drifts on floating point.
type Cost struct {
	Amount int64
	Reason string
}

// Ledger is a principal's budget limits and current period usage.
type Ledger struct {
	PrincipalID  string
	DailyLimit   int64
	MonthlyLimit int64
	DailyUsed    int64
	MonthlyUsed  int64
	LastUpdated  time.Time
}

// DailyRemaining returns the unused portion of the daily ceiling,
// floored at zero.
func (l *Ledger) DailyRemaining() int64 {
	if r := l.DailyLimit - l.DailyUsed; r > 0 {
		return r
	}
	return 0
}

// MonthlyRemaining returns the unused portion of the monthly ceiling,
// floored at zero.
func (l *Ledger) MonthlyRemaining() int64 {
	if r := l.MonthlyLimit - l.MonthlyUsed; r > 0 {
		return r
	}
	return 0
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed   bool
	Reason    string
	Remaining *Ledger
	// ResetAt is when the exceeded window next resets. Zero unless
	// Allowed is false.
	ResetAt time.Time
}

// Store persists per-principal ledgers and their configured limits.
type Store interface {
	Get(ctx context.Context, principalID string) (*Ledger, error)
	Set(ctx context.Context, ledger *Ledger) error
	Limits(ctx context.Context, principalID string) (daily, monthly int64, err error)
	SetLimits(ctx context.Context, principalID string, daily, monthly int64) error
}

// Enforcer admits or denies a cost against a principal's budget.
type Enforcer interface {
	Check(ctx context.Context, principalID string, cost Cost) (*Decision, error)
	GetLedger(ctx context.Context, principalID string) (*Ledger, error)
	SetLimits(ctx context.Context, principalID string, daily, monthly int64) error
}
