package budget

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store against a `budget_ledgers` table,
// adapted from the budget package's PostgresStorage with tenant_id
// renamed to principal_id to match the gateway's principal-scoped
// budget model.
type PostgresStore struct {
	db             *sql.DB
	defaultDaily   int64
	defaultMonthly int64
}

// NewPostgresStore wraps an existing connection pool. The caller owns
// schema migration and the pool's lifecycle.
func NewPostgresStore(db *sql.DB, defaultDaily, defaultMonthly int64) *PostgresStore {
	return &PostgresStore{db: db, defaultDaily: defaultDaily, defaultMonthly: defaultMonthly}
}

func (s *PostgresStore) Get(ctx context.Context, principalID string) (*Ledger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT principal_id, daily_limit, monthly_limit, daily_used, monthly_used, last_updated
		 FROM budget_ledgers WHERE principal_id = $1`, principalID)

	var l Ledger
	err := row.Scan(&l.PrincipalID, &l.DailyLimit, &l.MonthlyLimit, &l.DailyUsed, &l.MonthlyUsed, &l.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("budget: get failed for %q: %w", principalID, err)
	}
	return &l, nil
}

func (s *PostgresStore) Set(ctx context.Context, ledger *Ledger) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_ledgers (principal_id, daily_limit, monthly_limit, daily_used, monthly_used, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (principal_id) DO UPDATE SET
			daily_used = EXCLUDED.daily_used,
			monthly_used = EXCLUDED.monthly_used,
			last_updated = EXCLUDED.last_updated
	`, ledger.PrincipalID, ledger.DailyLimit, ledger.MonthlyLimit, ledger.DailyUsed, ledger.MonthlyUsed, ledger.LastUpdated)
	if err != nil {
		return fmt.Errorf("budget: persist failed for %q: %w", ledger.PrincipalID, err)
	}
	return nil
}

func (s *PostgresStore) Limits(ctx context.Context, principalID string) (int64, int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT daily_limit, monthly_limit FROM budget_ledgers WHERE principal_id = $1`, principalID)
	var daily, monthly int64
	err := row.Scan(&daily, &monthly)
	if err == sql.ErrNoRows {
		return s.defaultDaily, s.defaultMonthly, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("budget: limits lookup failed for %q: %w", principalID, err)
	}
	return daily, monthly, nil
}

func (s *PostgresStore) SetLimits(ctx context.Context, principalID string, daily, monthly int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_ledgers (principal_id, daily_limit, monthly_limit, daily_used, monthly_used, last_updated)
		VALUES ($1, $2, $3, 0, 0, NOW())
		ON CONFLICT (principal_id) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit
	`, principalID, daily, monthly)
	if err != nil {
		return fmt.Errorf("budget: set limits failed for %q: %w", principalID, err)
	}
	return nil
}
