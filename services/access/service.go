// Package access decides whether a user may use a paid feature and manages
// subscriptions, feature trials and monthly usage counters.
package access

import (
	"context"
	"fmt"
	"time"

	"github.com/everliv/everliv-api/internal/config"
	"github.com/everliv/everliv-api/internal/database"
	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/internal/metrics"
)

// Features.
const (
	FeatureAIDoctor          = "ai_doctor"
	FeatureBloodAnalysis     = "blood_analysis"
	FeatureHealthAnalytics   = "health_analytics"
	FeaturePersonalProtocols = "personal_protocols"
	FeatureNutritionPlan     = "nutrition_plan"
)

// Decision reasons.
const (
	ReasonIncluded             = "included_in_plan"
	ReasonTrialActive          = "trial_active"
	ReasonLimitReached         = "limit_reached"
	ReasonTrialAvailable       = "trial_available"
	ReasonSubscriptionRequired = "subscription_required"
)

// Decision sources.
const (
	SourcePlan  = "plan"
	SourceTrial = "trial"
)

// DefaultTrialDuration applies when no duration is configured.
const DefaultTrialDuration = 72 * time.Hour

// UsageStore keeps per-period feature counters. IncrementUsage returns 0
// without counting when the counter already reached limit; a negative limit
// never blocks.
type UsageStore interface {
	IncrementUsage(ctx context.Context, userID, feature string, periodStart time.Time, limit int) (int, error)
	GetUsage(ctx context.Context, userID, feature string, periodStart time.Time) (int, error)
}

// Decision is the outcome of an access check.
type Decision struct {
	Feature        string     `json:"feature"`
	Allowed        bool       `json:"allowed"`
	Reason         string     `json:"reason"`
	Plan           string     `json:"plan"`
	Source         string     `json:"source,omitempty"`
	Limit          int        `json:"limit"`
	Used           int        `json:"used"`
	Remaining      int        `json:"remaining"`
	PeriodStart    time.Time  `json:"period_start"`
	TrialAvailable bool       `json:"trial_available"`
	TrialExpiresAt *time.Time `json:"trial_expires_at,omitempty"`
}

// Current is the effective plan of a user.
type Current struct {
	Plan         config.Plan            `json:"plan"`
	Subscription *database.Subscription `json:"subscription"`
}

// Config wires the service.
type Config struct {
	Store database.AccessStore
	// Usage defaults to Store.
	Usage         UsageStore
	Plans         *config.Plans
	TrialDuration time.Duration
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
}

// Service implements feature access control and subscription actions.
type Service struct {
	store         database.AccessStore
	usage         UsageStore
	plans         *config.Plans
	trialDuration time.Duration
	metrics       *metrics.Metrics
	logger        *logging.Logger
	now           func() time.Time
}

// New creates the access service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("access: store is required")
	}
	if cfg.Plans == nil {
		return nil, fmt.Errorf("access: plans are required")
	}
	usage := cfg.Usage
	if usage == nil {
		usage = cfg.Store
	}
	trial := cfg.TrialDuration
	if trial <= 0 {
		trial = DefaultTrialDuration
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Service{
		store:         cfg.Store,
		usage:         usage,
		plans:         cfg.Plans,
		trialDuration: trial,
		metrics:       cfg.Metrics,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Plans returns the plan catalog.
func (s *Service) Plans() *config.Plans {
	return s.plans
}

// =============================================================================
// Feature access
// =============================================================================

// CheckAccess decides whether userID may use feature right now.
func (s *Service) CheckAccess(ctx context.Context, userID, feature string) (*Decision, error) {
	d, err := s.decide(ctx, userID, feature, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.recordDecision(d)
	return d, nil
}

func (s *Service) decide(ctx context.Context, userID, feature string, now time.Time) (*Decision, error) {
	if !s.plans.HasFeature(feature) {
		return nil, svcerrors.BadRequest("unknown feature").WithDetails("feature", feature)
	}

	plan, sub, err := s.effectivePlan(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	d := &Decision{Feature: feature, Plan: plan.ID}

	if limit, ok := plan.Includes(feature); ok {
		d.Source = SourcePlan
		d.Limit = limit
		d.PeriodStart = usagePeriodStart(sub, now)
		if limit == config.Unlimited {
			d.Allowed = true
			d.Reason = ReasonIncluded
			d.Remaining = config.Unlimited
			return d, nil
		}
		used, err := s.usage.GetUsage(ctx, userID, feature, d.PeriodStart)
		if err != nil {
			return nil, fmt.Errorf("get usage: %w", err)
		}
		d.Used = used
		d.Remaining = max(limit-used, 0)
		if used < limit {
			d.Allowed = true
			d.Reason = ReasonIncluded
		} else {
			d.Reason = ReasonLimitReached
		}
		return d, nil
	}

	trial, err := s.store.GetTrial(ctx, userID, feature)
	switch {
	case database.IsNotFound(err):
		d.Reason = ReasonTrialAvailable
		d.TrialAvailable = true
	case err != nil:
		return nil, fmt.Errorf("get trial: %w", err)
	case trial.Usable(now):
		d.Allowed = true
		d.Reason = ReasonTrialActive
		d.Source = SourceTrial
		d.Limit = 1
		d.Remaining = 1
		expires := trial.ExpiresAt
		d.TrialExpiresAt = &expires
	default:
		d.Reason = ReasonSubscriptionRequired
		expires := trial.ExpiresAt
		d.TrialExpiresAt = &expires
	}
	return d, nil
}

// Consume re-checks access and records one use of feature.
func (s *Service) Consume(ctx context.Context, userID, feature string) (*Decision, error) {
	now := s.now().UTC()
	d, err := s.decide(ctx, userID, feature, now)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		s.recordDecision(d)
		return d, denied(d)
	}

	switch d.Source {
	case SourceTrial:
		if _, err := s.store.MarkTrialUsed(ctx, userID, feature, now); err != nil {
			if database.IsNotFound(err) {
				d.Allowed = false
				d.Reason = ReasonSubscriptionRequired
				d.Remaining = 0
				s.recordDecision(d)
				return d, denied(d)
			}
			return nil, fmt.Errorf("mark trial used: %w", err)
		}
		d.Used = 1
		d.Remaining = 0
	default:
		used, err := s.usage.IncrementUsage(ctx, userID, feature, d.PeriodStart, d.Limit)
		if err != nil {
			return nil, fmt.Errorf("increment usage: %w", err)
		}
		if used == 0 {
			d.Allowed = false
			d.Reason = ReasonLimitReached
			d.Used = d.Limit
			d.Remaining = 0
			s.recordDecision(d)
			return d, denied(d)
		}
		d.Used = used
		if d.Limit != config.Unlimited {
			d.Remaining = d.Limit - used
		}
	}

	s.recordDecision(d)
	if s.metrics != nil {
		s.metrics.RecordFeatureUse(feature, d.Source)
	}
	s.logger.WithContext(ctx).WithField("feature", feature).WithField("source", d.Source).Debug("feature consumed")
	return d, nil
}

// StartTrial opens the one-time trial of a feature the current plan does not include.
func (s *Service) StartTrial(ctx context.Context, userID, feature string) (*database.FeatureTrial, error) {
	if !s.plans.HasFeature(feature) {
		return nil, svcerrors.BadRequest("unknown feature").WithDetails("feature", feature)
	}
	now := s.now().UTC()
	plan, _, err := s.effectivePlan(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if _, ok := plan.Includes(feature); ok {
		return nil, svcerrors.Conflict("feature is already included in your plan").WithDetails("plan", plan.ID)
	}

	if _, err := s.store.GetTrial(ctx, userID, feature); err == nil {
		return nil, svcerrors.Conflict("trial already used for this feature")
	} else if !database.IsNotFound(err) {
		return nil, fmt.Errorf("get trial: %w", err)
	}

	trial, err := s.store.CreateTrial(ctx, &database.FeatureTrial{
		UserID:    userID,
		Feature:   feature,
		StartedAt: now,
		ExpiresAt: now.Add(s.trialDuration),
	})
	if database.IsConflict(err) {
		return nil, svcerrors.Conflict("trial already used for this feature")
	}
	if err != nil {
		return nil, fmt.Errorf("create trial: %w", err)
	}
	s.logger.WithContext(ctx).WithField("feature", feature).Info("feature trial started")
	return trial, nil
}

func (s *Service) recordDecision(d *Decision) {
	if s.metrics != nil {
		s.metrics.RecordAccessDecision(d.Feature, d.Allowed, d.Reason)
	}
}

func denied(d *Decision) error {
	return d.Err()
}

// Err is the PaymentRequired error of a denied decision, nil when allowed.
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	return svcerrors.PaymentRequired(d.Feature, d.Reason).WithDetails("decision", d)
}

// effectivePlan returns the plan granted by the active subscription, or the default plan.
func (s *Service) effectivePlan(ctx context.Context, userID string, now time.Time) (config.Plan, *database.Subscription, error) {
	sub, err := s.store.GetActiveSubscription(ctx, userID, now)
	if database.IsNotFound(err) {
		return s.plans.Default(), nil, nil
	}
	if err != nil {
		return config.Plan{}, nil, fmt.Errorf("get active subscription: %w", err)
	}
	plan, ok := s.plans.Plan(sub.PlanID)
	if !ok {
		s.logger.WithContext(ctx).WithField("plan", sub.PlanID).Warn("subscription references unknown plan")
		return s.plans.Default(), nil, nil
	}
	return plan, sub, nil
}

// usagePeriodStart is the calendar month (UTC) without a subscription and
// the subscription period otherwise.
func usagePeriodStart(sub *database.Subscription, now time.Time) time.Time {
	if sub == nil {
		return MonthStart(now)
	}
	return sub.CurrentPeriodStart.UTC().Truncate(time.Second)
}

// MonthStart returns the first instant of t's month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// Subscriptions
// =============================================================================

// CurrentSubscription returns the effective plan and the subscription granting it.
func (s *Service) CurrentSubscription(ctx context.Context, userID string) (*Current, error) {
	plan, sub, err := s.effectivePlan(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	return &Current{Plan: plan, Subscription: sub}, nil
}

// Activate grants planID for months (the plan period when months <= 0). An active
// subscription to the same plan is extended from its current end.
func (s *Service) Activate(ctx context.Context, userID, planID string, months int, paymentID string) (*database.Subscription, error) {
	plan, ok := s.plans.Plan(planID)
	if !ok {
		return nil, svcerrors.BadRequest("unknown plan").WithDetails("plan", planID)
	}
	if !plan.IsPaid() {
		return nil, svcerrors.BadRequest("plan cannot be activated").WithDetails("plan", planID)
	}
	if months <= 0 {
		months = plan.PeriodMonths
	}
	var payment *string
	if paymentID != "" {
		payment = &paymentID
	}

	now := s.now().UTC()
	current, err := s.store.GetActiveSubscription(ctx, userID, now)
	if err != nil && !database.IsNotFound(err) {
		return nil, fmt.Errorf("get active subscription: %w", err)
	}

	if current != nil && current.PlanID == planID {
		end := current.CurrentPeriodEnd.AddDate(0, months, 0)
		cancel := false
		status := database.SubscriptionActive
		sub, err := s.store.UpdateSubscription(ctx, current.ID, database.SubscriptionUpdate{
			Status:            &status,
			CurrentPeriodEnd:  &end,
			CancelAtPeriodEnd: &cancel,
			PaymentID:         payment,
		})
		if err != nil {
			return nil, fmt.Errorf("extend subscription: %w", err)
		}
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"plan": planID, "months": months, "period_end": end,
		}).Info("subscription extended")
		return sub, nil
	}

	if current != nil {
		canceled := database.SubscriptionCanceled
		if _, err := s.store.UpdateSubscription(ctx, current.ID, database.SubscriptionUpdate{Status: &canceled}); err != nil {
			return nil, fmt.Errorf("cancel previous subscription: %w", err)
		}
	}

	sub, err := s.store.CreateSubscription(ctx, &database.Subscription{
		UserID:             userID,
		PlanID:             planID,
		Status:             database.SubscriptionActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, months, 0),
		PaymentID:          payment,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"plan": planID, "months": months,
	}).Info("subscription activated")
	return sub, nil
}

// Cancel stops renewal. The subscription stays active until its period end.
func (s *Service) Cancel(ctx context.Context, userID string) (*database.Subscription, error) {
	return s.setCancelAtPeriodEnd(ctx, userID, true)
}

// Resume undoes Cancel while the period has not ended.
func (s *Service) Resume(ctx context.Context, userID string) (*database.Subscription, error) {
	return s.setCancelAtPeriodEnd(ctx, userID, false)
}

func (s *Service) setCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) (*database.Subscription, error) {
	current, err := s.store.GetActiveSubscription(ctx, userID, s.now().UTC())
	if database.IsNotFound(err) {
		return nil, svcerrors.NotFound("subscription")
	}
	if err != nil {
		return nil, fmt.Errorf("get active subscription: %w", err)
	}
	if current.CancelAtPeriodEnd == cancel {
		return current, nil
	}
	sub, err := s.store.UpdateSubscription(ctx, current.ID, database.SubscriptionUpdate{CancelAtPeriodEnd: &cancel})
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return sub, nil
}

// Revoke ends the active subscription immediately.
func (s *Service) Revoke(ctx context.Context, userID string) (*database.Subscription, error) {
	now := s.now().UTC()
	current, err := s.store.GetActiveSubscription(ctx, userID, now)
	if database.IsNotFound(err) {
		return nil, svcerrors.NotFound("subscription")
	}
	if err != nil {
		return nil, fmt.Errorf("get active subscription: %w", err)
	}
	status := database.SubscriptionCanceled
	sub, err := s.store.UpdateSubscription(ctx, current.ID, database.SubscriptionUpdate{
		Status:           &status,
		CurrentPeriodEnd: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("revoke subscription: %w", err)
	}
	s.logger.WithContext(ctx).WithField("subscription_id", current.ID).Info("subscription revoked")
	return sub, nil
}

// ExpireDue marks subscriptions whose period ended as expired.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListExpiredSubscriptions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired subscriptions: %w", err)
	}
	expired := 0
	status := database.SubscriptionExpired
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if _, err := s.store.UpdateSubscription(ctx, sub.ID, database.SubscriptionUpdate{Status: &status}); err != nil {
			s.logger.WithError(err).WithField("subscription_id", sub.ID).Warn("failed to expire subscription")
			continue
		}
		expired++
	}
	return expired, nil
}
