package database

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreatePayment inserts a pending payment.
func (r *Repository) CreatePayment(ctx context.Context, p *Payment) (*Payment, error) {
	if p == nil || p.UserID == "" || p.PlanID == "" {
		return nil, invalidInput("user id and plan id are required")
	}
	if p.Amount <= 0 {
		return nil, invalidInput("amount must be positive")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if err := ValidateStatus(p.Status, paymentStatuses); err != nil {
		return nil, err
	}
	return insertOne[Payment](ctx, "create payment", r.client.From(TablePayments), p)
}

// GetPayment returns a payment by id.
func (r *Repository) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return selectOne[Payment](ctx, "get payment", r.client.From(TablePayments).Select("*").Eq("id", id))
}

// UpdatePayment applies a partial update.
func (r *Repository) UpdatePayment(ctx context.Context, id string, update PaymentUpdate) (*Payment, error) {
	if err := update.validate(); err != nil {
		return nil, err
	}
	patch := struct {
		PaymentUpdate
		UpdatedAt time.Time `json:"updated_at"`
	}{update, r.now().UTC()}
	rows, err := updateRows[Payment](ctx, "update payment", r.client.From(TablePayments).Eq("id", id), patch)
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// ClaimPayment applies update only while the payment is still in status from.
// It returns ErrNotFound when the row is missing or already moved on, so exactly
// one of several concurrent callers wins.
func (r *Repository) ClaimPayment(ctx context.Context, id, from string, update PaymentUpdate) (*Payment, error) {
	if err := ValidateStatus(from, paymentStatuses); err != nil {
		return nil, err
	}
	if err := update.validate(); err != nil {
		return nil, err
	}
	patch := struct {
		PaymentUpdate
		UpdatedAt time.Time `json:"updated_at"`
	}{update, r.now().UTC()}
	rows, err := updateRows[Payment](ctx, "claim payment",
		r.client.From(TablePayments).Eq("id", id).Eq("status", from), patch)
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// ListPayments returns the payments of userID, newest first.
func (r *Repository) ListPayments(ctx context.Context, userID string) ([]Payment, error) {
	return selectRows[Payment](ctx, "list payments",
		r.client.From(TablePayments).Select("*").Eq("user_id", userID).Order("created_at", false))
}

// ListPaymentsByStatus returns payments in status (all when empty), newest first.
func (r *Repository) ListPaymentsByStatus(ctx context.Context, status string, limit int) ([]Payment, error) {
	q := r.client.From(TablePayments).Select("*").Order("created_at", false)
	if status != "" {
		if err := ValidateStatus(status, paymentStatuses); err != nil {
			return nil, err
		}
		q = q.Eq("status", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return selectRows[Payment](ctx, "list payments by status", q)
}

// ExpirePendingPayments marks pending payments created before olderThan as expired.
func (r *Repository) ExpirePendingPayments(ctx context.Context, olderThan time.Time) (int, error) {
	rows, err := updateRows[Payment](ctx, "expire payments",
		r.client.From(TablePayments).Eq("status", PaymentPending).Lt("created_at", olderThan),
		map[string]any{"status": PaymentExpired, "updated_at": r.now().UTC()})
	if IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
