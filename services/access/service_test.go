package access

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everliv/everliv-api/internal/config"
	"github.com/everliv/everliv-api/internal/database"
	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/metrics"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *database.MockRepository) {
	t.Helper()
	plans, err := config.LoadPlans("")
	require.NoError(t, err)

	repo := database.NewMockRepository()
	repo.Now = func() time.Time { return testNow }

	svc, err := New(Config{Store: repo, Plans: plans, Metrics: metrics.New()})
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }
	return svc, repo
}

func subscribe(t *testing.T, repo *database.MockRepository, userID, plan string, start, end time.Time) *database.Subscription {
	t.Helper()
	sub, err := repo.CreateSubscription(context.Background(), &database.Subscription{
		UserID:             userID,
		PlanID:             plan,
		Status:             database.SubscriptionActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	})
	require.NoError(t, err)
	return sub
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Store: database.NewMockRepository()})
	assert.Error(t, err)
}

func TestCheckAccess_FreePlanMonthlyLimit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	d, err := svc.CheckAccess(ctx, "u1", FeatureAIDoctor)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "free", d.Plan)
	assert.Equal(t, SourcePlan, d.Source)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, 3, d.Remaining)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), d.PeriodStart)

	for i := 0; i < 3; i++ {
		_, err := svc.Consume(ctx, "u1", FeatureAIDoctor)
		require.NoError(t, err)
	}

	d, err = svc.CheckAccess(ctx, "u1", FeatureAIDoctor)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLimitReached, d.Reason)
	assert.Equal(t, 3, d.Used)
	assert.Equal(t, 0, d.Remaining)

	_, err = svc.Consume(ctx, "u1", FeatureAIDoctor)
	se := svcerrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, http.StatusPaymentRequired, se.HTTPStatus)
	assert.Equal(t, d.Reason, se.Details["decision"].(*Decision).Reason)

	// next month starts a fresh counter
	svc.now = func() time.Time { return time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC) }
	d, err = svc.CheckAccess(ctx, "u1", FeatureAIDoctor)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Used)
}

func TestConsume_ConcurrentCallsStopAtLimit(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Consume(ctx, "u1", FeatureAIDoctor)
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, err := range errs {
		if err == nil {
			allowed++
			continue
		}
		assert.True(t, svcerrors.IsCode(err, svcerrors.CodePaymentRequired), err)
	}
	assert.Equal(t, 3, allowed)

	used, err := repo.GetUsage(ctx, "u1", FeatureAIDoctor, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 3, used)
}

func TestCheckAccess_SubscriptionPeriodCounter(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	start := testNow.AddDate(0, 0, -10)
	subscribe(t, repo, "u1", "basic", start, start.AddDate(0, 1, 0))

	d, err := svc.Consume(ctx, "u1", FeatureBloodAnalysis)
	require.NoError(t, err)
	assert.Equal(t, "basic", d.Plan)
	assert.Equal(t, start, d.PeriodStart)
	assert.Equal(t, 1, d.Used)
	assert.Equal(t, 2, d.Remaining)

	d, err = svc.CheckAccess(ctx, "u1", FeatureHealthAnalytics)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, config.Unlimited, d.Limit)
	assert.Equal(t, config.Unlimited, d.Remaining)
}

func TestCheckAccess_ExpiredSubscriptionFallsBackToFree(t *testing.T) {
	svc, repo := newTestService(t)
	subscribe(t, repo, "u1", "premium", testNow.AddDate(0, -2, 0), testNow.AddDate(0, -1, 0))

	d, err := svc.CheckAccess(context.Background(), "u1", FeatureNutritionPlan)
	require.NoError(t, err)
	assert.Equal(t, "free", d.Plan)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonTrialAvailable, d.Reason)
	assert.True(t, d.TrialAvailable)
}

func TestTrialLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	trial, err := svc.StartTrial(ctx, "u1", FeatureBloodAnalysis)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(DefaultTrialDuration), trial.ExpiresAt)

	d, err := svc.CheckAccess(ctx, "u1", FeatureBloodAnalysis)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceTrial, d.Source)
	require.NotNil(t, d.TrialExpiresAt)

	d, err = svc.Consume(ctx, "u1", FeatureBloodAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Remaining)

	d, err = svc.CheckAccess(ctx, "u1", FeatureBloodAnalysis)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSubscriptionRequired, d.Reason)
	assert.False(t, d.TrialAvailable)

	_, err = svc.StartTrial(ctx, "u1", FeatureBloodAnalysis)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeConflict))
}

func TestTrialExpires(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.StartTrial(ctx, "u1", FeatureNutritionPlan)
	require.NoError(t, err)

	svc.now = func() time.Time { return testNow.Add(DefaultTrialDuration + time.Minute) }
	d, err := svc.CheckAccess(ctx, "u1", FeatureNutritionPlan)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSubscriptionRequired, d.Reason)
}

func TestStartTrial_Rejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.StartTrial(ctx, "u1", FeatureAIDoctor)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeConflict), "feature in free plan")

	_, err = svc.StartTrial(ctx, "u1", "teleport")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeBadRequest))
}

func TestCheckAccess_StoreError(t *testing.T) {
	svc, repo := newTestService(t)
	repo.ErrorOnNextCall = errors.New("connection reset")

	_, err := svc.CheckAccess(context.Background(), "u1", FeatureAIDoctor)
	assert.Error(t, err)
	assert.Nil(t, svcerrors.GetServiceError(err))
}

func TestActivate(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Activate(ctx, "u1", "standard", 0, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	require.NotNil(t, sub.PaymentID)

	// same plan extends from the current end
	ext, err := svc.Activate(ctx, "u1", "standard", 2, "pay-2")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, ext.ID)
	assert.Equal(t, testNow.AddDate(0, 3, 0), ext.CurrentPeriodEnd)

	// another plan replaces it
	up, err := svc.Activate(ctx, "u1", "premium", 1, "")
	require.NoError(t, err)
	assert.NotEqual(t, sub.ID, up.ID)

	current, err := svc.CurrentSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "premium", current.Plan.ID)

	replaced, err := repo.ListExpiredSubscriptions(ctx, testNow.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Len(t, replaced, 1, "only the premium subscription is still active")

	_, err = svc.Activate(ctx, "u1", "free", 1, "")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeBadRequest))
	_, err = svc.Activate(ctx, "u1", "platinum", 1, "")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeBadRequest))
}

func TestCancelResumeRevoke(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.Cancel(ctx, "u1")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeNotFound))

	subscribe(t, repo, "u1", "basic", testNow, testNow.AddDate(0, 1, 0))

	sub, err := svc.Cancel(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)

	current, err := svc.CurrentSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "basic", current.Plan.ID, "canceled subscription stays active until period end")

	sub, err = svc.Resume(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)

	_, err = svc.Revoke(ctx, "u1")
	require.NoError(t, err)
	current, err = svc.CurrentSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "free", current.Plan.ID)
	assert.Nil(t, current.Subscription)
}

func TestExpireDue(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	subscribe(t, repo, "u1", "basic", testNow.AddDate(0, -1, 0), testNow.Add(-time.Hour))
	subscribe(t, repo, "u2", "basic", testNow, testNow.AddDate(0, 1, 0))

	n, err := svc.ExpireDue(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err := repo.GetLatestSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, database.SubscriptionExpired, latest.Status)

	n, err = svc.ExpireDue(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type countingUsage struct {
	increments int
}

func (c *countingUsage) IncrementUsage(context.Context, string, string, time.Time, int) (int, error) {
	c.increments++
	return c.increments, nil
}

func (c *countingUsage) GetUsage(context.Context, string, string, time.Time) (int, error) {
	return c.increments, nil
}

func TestConsume_UsesConfiguredUsageStore(t *testing.T) {
	plans, err := config.LoadPlans("")
	require.NoError(t, err)
	usage := &countingUsage{}
	svc, err := New(Config{Store: database.NewMockRepository(), Usage: usage, Plans: plans})
	require.NoError(t, err)

	_, err = svc.Consume(context.Background(), "u1", FeatureAIDoctor)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.increments)
}
