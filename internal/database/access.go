package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetActiveSubscription returns the subscription granting a plan at now.
func (r *Repository) GetActiveSubscription(ctx context.Context, userID string, now time.Time) (*Subscription, error) {
	return selectOne[Subscription](ctx, "get active subscription",
		r.client.From(TableSubscriptions).Select("*").
			Eq("user_id", userID).
			In("status", []any{SubscriptionActive, SubscriptionTrialing}).
			Gt("current_period_end", now).
			Order("current_period_end", false))
}

// GetLatestSubscription returns the most recent subscription of userID in any status.
func (r *Repository) GetLatestSubscription(ctx context.Context, userID string) (*Subscription, error) {
	return selectOne[Subscription](ctx, "get latest subscription",
		r.client.From(TableSubscriptions).Select("*").Eq("user_id", userID).Order("created_at", false))
}

// CreateSubscription inserts a subscription.
func (r *Repository) CreateSubscription(ctx context.Context, s *Subscription) (*Subscription, error) {
	if s == nil || s.UserID == "" || s.PlanID == "" {
		return nil, invalidInput("user id and plan id are required")
	}
	if err := ValidateStatus(s.Status, subscriptionStatuses); err != nil {
		return nil, err
	}
	if !s.CurrentPeriodEnd.After(s.CurrentPeriodStart) {
		return nil, invalidInput("period end must be after period start")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return insertOne[Subscription](ctx, "create subscription", r.client.From(TableSubscriptions), s)
}

// UpdateSubscription applies a partial update.
func (r *Repository) UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) (*Subscription, error) {
	if err := update.validate(); err != nil {
		return nil, err
	}
	patch := struct {
		SubscriptionUpdate
		UpdatedAt time.Time `json:"updated_at"`
	}{update, r.now().UTC()}
	rows, err := updateRows[Subscription](ctx, "update subscription", r.client.From(TableSubscriptions).Eq("id", id), patch)
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// ListExpiredSubscriptions returns active subscriptions whose period ended before now.
func (r *Repository) ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error) {
	return selectRows[Subscription](ctx, "list expired subscriptions",
		r.client.From(TableSubscriptions).Select("*").
			In("status", []any{SubscriptionActive, SubscriptionTrialing}).
			Lte("current_period_end", now))
}

// GetTrial returns the trial of feature for userID.
func (r *Repository) GetTrial(ctx context.Context, userID, feature string) (*FeatureTrial, error) {
	return selectOne[FeatureTrial](ctx, "get trial",
		r.client.From(TableFeatureTrials).Select("*").Eq("user_id", userID).Eq("feature", feature))
}

// CreateTrial inserts a trial. A second trial for the same feature is ErrConflict.
func (r *Repository) CreateTrial(ctx context.Context, t *FeatureTrial) (*FeatureTrial, error) {
	if t == nil || t.UserID == "" || t.Feature == "" {
		return nil, invalidInput("user id and feature are required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return insertOne[FeatureTrial](ctx, "create trial", r.client.From(TableFeatureTrials), t)
}

// MarkTrialUsed consumes an unused trial. ErrNotFound means it was already used or absent.
func (r *Repository) MarkTrialUsed(ctx context.Context, userID, feature string, at time.Time) (*FeatureTrial, error) {
	rows, err := updateRows[FeatureTrial](ctx, "mark trial used",
		r.client.From(TableFeatureTrials).Eq("user_id", userID).Eq("feature", feature).Eq("is_used", false),
		map[string]any{"is_used": true, "used_at": at.UTC()})
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// IncrementUsage atomically bumps a usage counter through the increment_feature_usage
// function. It returns 0 when the counter already reached limit.
func (r *Repository) IncrementUsage(ctx context.Context, userID, feature string, periodStart time.Time, limit int) (int, error) {
	resp, err := r.client.RPC(ctx, "increment_feature_usage", map[string]any{
		"p_user_id":      userID,
		"p_feature":      feature,
		"p_period_start": periodStart.UTC(),
		"p_limit":        limit,
	})
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	if err := resp.Error(); err != nil {
		return 0, translate("increment usage", err)
	}
	var count *int
	if err := resp.JSON(&count); err != nil {
		return 0, fmt.Errorf("increment usage: decode: %w", err)
	}
	if count == nil {
		return 0, nil
	}
	return *count, nil
}

// GetUsage returns the counter value, zero when no row exists.
func (r *Repository) GetUsage(ctx context.Context, userID, feature string, periodStart time.Time) (int, error) {
	row, err := selectOne[FeatureUsage](ctx, "get usage",
		r.client.From(TableFeatureUsage).Select("*").
			Eq("user_id", userID).Eq("feature", feature).Eq("period_start", periodStart))
	if IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Count, nil
}

// HasRole reports whether userID holds role in user_roles.
func (r *Repository) HasRole(ctx context.Context, userID, role string) (bool, error) {
	_, err := selectOne[UserRole](ctx, "has role",
		r.client.From(TableUserRoles).Select("*").Eq("user_id", userID).Eq("role", role))
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GrantRole upserts a role for userID.
func (r *Repository) GrantRole(ctx context.Context, userID, role string) error {
	if userID == "" || role == "" {
		return invalidInput("user id and role are required")
	}
	_, err := insertRows[UserRole](ctx, "grant role",
		r.client.From(TableUserRoles).Upsert("user_id,role"), UserRole{UserID: userID, Role: role})
	return err
}
