// Package postgres talks to the EVERLIV database directly for the queries
// PostgREST cannot express atomically or in aggregate.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store implements usage counters and admin reports over a direct connection.
type Store struct {
	db *sqlx.DB
}

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db), nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Usage counters ----------------------------------------------------------

const incrementUsageSQL = `
	INSERT INTO feature_usage (user_id, feature, period_start, usage_count)
	SELECT $1, $2, $3, 1 WHERE $4::int <> 0
	ON CONFLICT (user_id, feature, period_start)
	DO UPDATE SET usage_count = feature_usage.usage_count + 1, updated_at = now()
	WHERE $4::int < 0 OR feature_usage.usage_count < $4::int
	RETURNING usage_count`

// IncrementUsage atomically bumps the counter and returns the new value. The
// counter never passes a non-negative limit; 0 is returned when it already reached it.
func (s *Store) IncrementUsage(ctx context.Context, userID, feature string, periodStart time.Time, limit int) (int, error) {
	var count int
	err := s.db.QueryRowxContext(ctx, incrementUsageSQL, userID, feature, periodStart.UTC(), limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return count, nil
}

// GetUsage returns the counter value, zero when no row exists.
func (s *Store) GetUsage(ctx context.Context, userID, feature string, periodStart time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT usage_count FROM feature_usage
		WHERE user_id = $1 AND feature = $2 AND period_start = $3`,
		userID, feature, periodStart.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	return count, nil
}

// --- Reports -----------------------------------------------------------------

// UsageRow is one line of the monthly usage report.
type UsageRow struct {
	Feature string `db:"feature" json:"feature"`
	PlanID  string `db:"plan_id" json:"plan_id"`
	Users   int    `db:"users" json:"users"`
	Uses    int    `db:"uses" json:"uses"`
}

// UsageReport aggregates feature usage for counting periods that start within
// the calendar month of month, grouped by feature and the plan active at the
// period start. Users without a subscription are reported under defaultPlan.
func (s *Store) UsageReport(ctx context.Context, month time.Time, defaultPlan string) ([]UsageRow, error) {
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	var rows []UsageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT fu.feature,
		       COALESCE(sub.plan_id, $3) AS plan_id,
		       COUNT(DISTINCT fu.user_id) AS users,
		       COALESCE(SUM(fu.usage_count), 0) AS uses
		FROM feature_usage fu
		LEFT JOIN LATERAL (
			SELECT s.plan_id FROM subscriptions s
			WHERE s.user_id = fu.user_id
			  AND s.current_period_start <= fu.period_start
			  AND s.current_period_end > fu.period_start
			ORDER BY s.current_period_end DESC
			LIMIT 1
		) sub ON true
		WHERE fu.period_start >= $1 AND fu.period_start < $2
		GROUP BY fu.feature, COALESCE(sub.plan_id, $3)
		ORDER BY fu.feature, plan_id`,
		from, to, defaultPlan)
	if err != nil {
		return nil, fmt.Errorf("usage report: %w", err)
	}
	return rows, nil
}

// PlanCount is the number of active subscriptions on a plan.
type PlanCount struct {
	PlanID string `db:"plan_id" json:"plan_id"`
	Count  int    `db:"count" json:"count"`
}

// ActiveSubscriptionsByPlan counts subscriptions granting a plan at now.
func (s *Store) ActiveSubscriptionsByPlan(ctx context.Context, now time.Time) ([]PlanCount, error) {
	var rows []PlanCount
	err := s.db.SelectContext(ctx, &rows, `
		SELECT plan_id, COUNT(*) AS count
		FROM subscriptions
		WHERE status IN ('active', 'trialing') AND current_period_end > $1
		GROUP BY plan_id
		ORDER BY plan_id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("active subscriptions: %w", err)
	}
	return rows, nil
}

// Totals are headline counters for the back-office.
type Totals struct {
	Users       int     `db:"users" json:"users"`
	Analyses    int     `db:"analyses" json:"analyses"`
	Biomarkers  int     `db:"biomarkers" json:"biomarkers"`
	Revenue     float64 `db:"revenue" json:"revenue"`
	PaidInvoice int     `db:"paid_invoices" json:"paid_invoices"`
}

// Totals returns table-wide counters.
func (s *Store) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := s.db.GetContext(ctx, &t, `
		SELECT
			(SELECT COUNT(*) FROM profiles) AS users,
			(SELECT COUNT(*) FROM medical_analyses) AS analyses,
			(SELECT COUNT(*) FROM biomarkers) AS biomarkers,
			(SELECT COALESCE(SUM(amount), 0) FROM payments WHERE status = 'succeeded') AS revenue,
			(SELECT COUNT(*) FROM payments WHERE status = 'succeeded') AS paid_invoices`)
	if err != nil {
		return Totals{}, fmt.Errorf("totals: %w", err)
	}
	return t, nil
}
