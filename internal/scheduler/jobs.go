package scheduler

import (
	"context"
	"time"

	"github.com/everliv/everliv-api/internal/logging"
)

// Job names.
const (
	JobExpireSubscriptions = "expire_subscriptions"
	JobExpirePayments      = "expire_payments"
	JobPruneRateLimiter    = "prune_rate_limiter"
)

// DefaultPendingPaymentTTL is how long an unpaid invoice stays pending by default.
const DefaultPendingPaymentTTL = 24 * time.Hour

// SubscriptionExpirer moves subscriptions past their period end to expired.
type SubscriptionExpirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// PaymentExpirer cancels pending payments older than a cutoff.
type PaymentExpirer interface {
	ExpirePending(ctx context.Context, olderThan time.Time) (int, error)
}

// Pruner drops idle per-client state.
type Pruner interface {
	Prune(maxIdle time.Duration) int
}

// ExpireSubscriptions runs every 15 minutes.
func ExpireSubscriptions(e SubscriptionExpirer, logger *logging.Logger) Job {
	return Job{
		Name:     JobExpireSubscriptions,
		Schedule: "@every 15m",
		Run: func(ctx context.Context) error {
			n, err := e.ExpireDue(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			if n > 0 && logger != nil {
				logger.WithFields(map[string]interface{}{"expired": n}).Info("subscriptions expired")
			}
			return nil
		},
	}
}

// ExpirePayments runs hourly and expires invoices pending for longer than ttl.
func ExpirePayments(e PaymentExpirer, ttl time.Duration, logger *logging.Logger) Job {
	if ttl <= 0 {
		ttl = DefaultPendingPaymentTTL
	}
	return Job{
		Name:     JobExpirePayments,
		Schedule: "@hourly",
		Run: func(ctx context.Context) error {
			n, err := e.ExpirePending(ctx, time.Now().UTC().Add(-ttl))
			if err != nil {
				return err
			}
			if n > 0 && logger != nil {
				logger.WithFields(map[string]interface{}{"expired": n}).Info("pending payments expired")
			}
			return nil
		},
	}
}

// PruneRateLimiter runs every 10 minutes and drops limiters idle for maxIdle.
func PruneRateLimiter(p Pruner, maxIdle time.Duration) Job {
	return Job{
		Name:     JobPruneRateLimiter,
		Schedule: "@every 10m",
		Run: func(context.Context) error {
			p.Prune(maxIdle)
			return nil
		},
	}
}
