package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
)

// SimpleEnforcer enforces daily/monthly ceilings against a Store,
// reserving usage at Check time with a separate Get then Set, so two
// concurrent Checks for one principal can both pass — grounded on the budget
// package's SimpleEnforcer, generalized from tenant scope to
// principal scope (spec §4.6 tracks cost per principal, not per
// tenant).
type SimpleEnforcer struct {
	store Store
	log   *slog.Logger
}

// NewSimpleEnforcer constructs an enforcer backed by store.
func NewSimpleEnforcer(store Store, log *slog.Logger) *SimpleEnforcer {
	if log == nil {
		log = slog.Default()
	}
	return &SimpleEnforcer{store: store, log: log}
}

func (e *SimpleEnforcer) GetLedger(ctx context.Context, principalID string) (*Ledger, error) {
	return e.store.Get(ctx, principalID)
}

func (e *SimpleEnforcer) SetLimits(ctx context.Context, principalID string, daily, monthly int64) error {
	return e.store.SetLimits(ctx, principalID, daily, monthly)
}

// Check reserves cost against principalID's budget. Any storage
// failure denies the request (spec §7 fail-closed) rather than
// allowing an unmetered call through.
func (e *SimpleEnforcer) Check(ctx context.Context, principalID string, cost Cost) (*Decision, error) {
	ledger, err := e.store.Get(ctx, principalID)
	if err != nil {
		e.log.Error("budget check failed", "principal_id", principalID, "error", err)
		return &Decision{Allowed: false, Reason: fmt.Sprintf("check failed: %v", err)},
			gwerrors.Wrap(gwerrors.KindInternal, err, "budget: store lookup failed")
	}

	if ledger == nil {
		daily, monthly, err := e.store.Limits(ctx, principalID)
		if err != nil {
			e.log.Error("budget limit lookup failed", "principal_id", principalID, "error", err)
			return &Decision{Allowed: false, Reason: "failed to fetch limits"},
				gwerrors.Wrap(gwerrors.KindInternal, err, "budget: limits lookup failed")
		}
		ledger = &Ledger{PrincipalID: principalID, DailyLimit: daily, MonthlyLimit: monthly, LastUpdated: time.Now()}
	}

	now := time.Now().UTC()
	if now.YearDay() != ledger.LastUpdated.UTC().YearDay() || now.Year() != ledger.LastUpdated.UTC().Year() {
		ledger.DailyUsed = 0
	}
	if now.Month() != ledger.LastUpdated.UTC().Month() || now.Year() != ledger.LastUpdated.UTC().Year() {
		ledger.MonthlyUsed = 0
	}

	newDaily := ledger.DailyUsed + cost.Amount
	newMonthly := ledger.MonthlyUsed + cost.Amount

	if newDaily > ledger.DailyLimit {
		return &Decision{
			Allowed:   false,
			Reason:    fmt.Sprintf("daily budget exceeded: %d > %d", newDaily, ledger.DailyLimit),
			Remaining: ledger,
			ResetAt:   nextDayBoundary(now),
		}, nil
	}
	if newMonthly > ledger.MonthlyLimit {
		return &Decision{
			Allowed:   false,
			Reason:    fmt.Sprintf("monthly budget exceeded: %d > %d", newMonthly, ledger.MonthlyLimit),
			Remaining: ledger,
			ResetAt:   nextMonthBoundary(now),
		}, nil
	}

	ledger.DailyUsed = newDaily
	ledger.MonthlyUsed = newMonthly
	ledger.LastUpdated = now

	if err := e.store.Set(ctx, ledger); err != nil {
		e.log.Error("budget persist failed", "principal_id", principalID, "error", err)
		return &Decision{Allowed: false, Reason: "failed to persist usage"},
			gwerrors.Wrap(gwerrors.KindInternal, err, "budget: store write failed")
	}

	return &Decision{Allowed: true, Reason: "within limits", Remaining: ledger}, nil
}

// nextDayBoundary returns the next UTC midnight after now, when the
// daily ceiling resets.
func nextDayBoundary(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// nextMonthBoundary returns the first moment of the next UTC month
// after now, when the monthly ceiling resets.
func nextMonthBoundary(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}
