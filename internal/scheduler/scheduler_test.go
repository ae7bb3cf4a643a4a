package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/internal/metrics"
)

type fakeExpirer struct {
	now       time.Time
	olderThan time.Time
	n         int
	err       error
}

func (f *fakeExpirer) ExpireDue(_ context.Context, now time.Time) (int, error) {
	f.now = now
	return f.n, f.err
}

func (f *fakeExpirer) ExpirePending(_ context.Context, olderThan time.Time) (int, error) {
	f.olderThan = olderThan
	return f.n, f.err
}

type fakePruner struct {
	maxIdle time.Duration
}

func (f *fakePruner) Prune(maxIdle time.Duration) int {
	f.maxIdle = maxIdle
	return 3
}

func TestScheduler_AddAndRunNow(t *testing.T) {
	m := metrics.New()
	s := New(logging.NewDiscard(), m)

	exp := &fakeExpirer{n: 2}
	pruner := &fakePruner{}
	require.NoError(t, s.Add(ExpireSubscriptions(exp, logging.NewDiscard())))
	require.NoError(t, s.Add(ExpirePayments(exp, 0, nil)))
	require.NoError(t, s.Add(PruneRateLimiter(pruner, 30*time.Minute)))

	assert.Equal(t, []string{JobExpirePayments, JobExpireSubscriptions, JobPruneRateLimiter}, s.Jobs())

	ctx := context.Background()
	require.NoError(t, s.RunNow(ctx, JobExpireSubscriptions))
	assert.WithinDuration(t, time.Now(), exp.now, time.Minute)

	require.NoError(t, s.RunNow(ctx, JobExpirePayments))
	assert.WithinDuration(t, time.Now().Add(-DefaultPendingPaymentTTL), exp.olderThan, time.Minute)

	require.NoError(t, s.RunNow(ctx, JobPruneRateLimiter))
	assert.Equal(t, 30*time.Minute, pruner.maxIdle)

	exp.err = errors.New("db down")
	assert.Error(t, s.RunNow(ctx, JobExpireSubscriptions))
	assert.Error(t, s.RunNow(ctx, "missing"))

	n, err := testutil.GatherAndCount(m.Registry(), "everliv_scheduler_job_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestScheduler_AddRejectsInvalid(t *testing.T) {
	s := New(nil, nil)
	run := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Job{Name: "", Schedule: "@hourly", Run: run}))
	assert.Error(t, s.Add(Job{Name: "x", Schedule: "not a schedule", Run: run}))
	require.NoError(t, s.Add(Job{Name: "x", Schedule: "@hourly", Run: run}))
	assert.Error(t, s.Add(Job{Name: "x", Schedule: "@hourly", Run: run}))
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(nil, nil)
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}}))

	s.Start()
	s.Start()
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
