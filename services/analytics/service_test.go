package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everliv/everliv-api/internal/cache"
	"github.com/everliv/everliv-api/internal/database"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/internal/metrics"
	"github.com/everliv/everliv-api/services/access"
	"github.com/everliv/everliv-api/services/healthprofile"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

// countingStore counts recomputations. It can hold the first one before
// (started/release) or after (listed/resume) it reads the biomarkers.
type countingStore struct {
	*database.MockRepository
	lists   atomic.Int32
	started chan struct{}
	release chan struct{}
	listed  chan struct{}
	resume  chan struct{}
	hold    sync.Once
}

func (c *countingStore) ListBiomarkers(ctx context.Context, userID string) ([]database.Biomarker, error) {
	c.lists.Add(1)
	if c.release != nil {
		c.started <- struct{}{}
		<-c.release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	items, err := c.MockRepository.ListBiomarkers(ctx, userID)
	if c.resume != nil {
		c.hold.Do(func() {
			c.listed <- struct{}{}
			<-c.resume
		})
	}
	return items, err
}

type fakeAccess struct{ allowed bool }

func (f fakeAccess) CheckAccess(_ context.Context, _, feature string) (*access.Decision, error) {
	return &access.Decision{Feature: feature, Allowed: f.allowed}, nil
}

type fakeProfile struct{}

func (fakeProfile) Status(_ context.Context, _ string) (*healthprofile.Status, error) {
	return &healthprofile.Status{Exists: true, IsComplete: true}, nil
}

func newTestService(t *testing.T, allowed bool) (*Service, *countingStore, *cache.Memory, *metrics.Metrics) {
	t.Helper()
	repo := database.NewMockRepository()
	repo.Now = func() time.Time { return testNow }
	store := &countingStore{MockRepository: repo}
	mem := cache.NewMemory()
	m := metrics.New()
	svc, err := New(Config{Store: store, Cache: mem, Access: fakeAccess{allowed: allowed}, Profile: fakeProfile{}, Metrics: m})
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }
	return svc, store, mem, m
}

func seed(t *testing.T, repo *database.MockRepository, userID string) {
	t.Helper()
	items := []database.Biomarker{
		marker("hemoglobin", "blood", "110", "120-160", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		marker("hemoglobin", "blood", "130", "120-160", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		marker("glucose", "metabolic", "6.2", "3.9-5.5", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
	}
	for i := range items {
		items[i].UserID = userID
		items[i].AnalysisID = "a1"
	}
	_, err := repo.InsertBiomarkers(context.Background(), items)
	require.NoError(t, err)
}

func TestGet_ComputesAndCaches(t *testing.T) {
	svc, store, mem, m := newTestService(t, true)
	ctx := context.Background()
	seed(t, store.MockRepository, "u1")

	r, err := svc.Get(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, r.TotalBiomarkers)
	assert.Equal(t, 45, r.HealthScore, "50 minus the metabolic category")
	assert.Len(t, r.Trends, 1)
	assert.False(t, r.TrendsLocked)
	assert.True(t, r.ProfileComplete)
	assert.Equal(t, testNow, r.GeneratedAt)
	assert.Equal(t, int32(1), store.lists.Load())

	row, err := store.GetCachedAnalytics(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(DefaultTTL), row.ExpiresAt)
	assert.Equal(t, 3, row.BiomarkerCount)
	assert.Equal(t, 1, mem.Len())

	again, err := svc.Get(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, r.HealthScore, again.HealthScore)
	assert.Equal(t, int32(1), store.lists.Load(), "served from cache")
	n, err := testutil.GatherAndCount(m.Registry(), "everliv_analytics_cache_lookups_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "cache miss, database miss, cache hit")
}

func TestGet_FallsBackToStoredReport(t *testing.T) {
	svc, store, mem, _ := newTestService(t, true)
	ctx := context.Background()
	seed(t, store.MockRepository, "u1")

	_, err := svc.Get(ctx, "u1", false)
	require.NoError(t, err)
	require.NoError(t, mem.Delete(ctx, cacheKey("u1")))

	_, err = svc.Get(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.lists.Load(), "fresh stored report is reused")
	assert.Equal(t, 1, mem.Len(), "stored report warms the cache")

	svc.now = func() time.Time { return testNow.Add(DefaultTTL + time.Minute) }
	require.NoError(t, mem.Delete(ctx, cacheKey("u1")))
	_, err = svc.Get(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.lists.Load(), "expired report is recomputed")
}

func TestGet_ForceAndInvalidate(t *testing.T) {
	svc, store, mem, _ := newTestService(t, true)
	ctx := context.Background()
	seed(t, store.MockRepository, "u1")

	_, err := svc.Get(ctx, "u1", false)
	require.NoError(t, err)
	_, err = svc.Get(ctx, "u1", true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.lists.Load())

	require.NoError(t, svc.Invalidate(ctx, "u1"))
	assert.Equal(t, 0, mem.Len())
	row, err := store.GetCachedAnalytics(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, row.Stale)

	_, err = svc.Get(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.lists.Load(), "stale report is recomputed")

	require.NoError(t, svc.Invalidate(ctx, "nobody"))
}

func TestGet_TrendsRequireAccess(t *testing.T) {
	svc, store, _, _ := newTestService(t, false)
	seed(t, store.MockRepository, "u1")

	r, err := svc.Get(context.Background(), "u1", false)
	require.NoError(t, err)
	assert.True(t, r.TrendsLocked)
	assert.Empty(t, r.Trends)
	assert.Equal(t, 2, r.TotalBiomarkers, "summary stays available")
}

func TestGet_ConcurrentCallsShareComputation(t *testing.T) {
	svc, store, _, _ := newTestService(t, true)
	seed(t, store.MockRepository, "u1")
	store.started = make(chan struct{}, 1)
	store.release = make(chan struct{})

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*Report, callers)
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := svc.Get(context.Background(), "u1", true)
		assert.NoError(t, err)
		results[0] = r
	}()
	<-store.started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := svc.Get(context.Background(), "u1", true)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	// Give the followers time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	assert.Equal(t, int32(1), store.lists.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].HealthScore, r.HealthScore)
	}
}

func TestGet_CancelledLeaderDoesNotFailFollowers(t *testing.T) {
	svc, store, _, _ := newTestService(t, true)
	seed(t, store.MockRepository, "u1")
	store.started = make(chan struct{}, 1)
	store.release = make(chan struct{})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := svc.Get(leaderCtx, "u1", true)
		leaderErr <- err
	}()
	<-store.started

	follower := make(chan *Report, 1)
	go func() {
		r, err := svc.Get(context.Background(), "u1", true)
		assert.NoError(t, err)
		follower <- r
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	close(store.release)

	r := <-follower
	require.NotNil(t, r)
	assert.Equal(t, 2, r.TotalBiomarkers)
	assert.Equal(t, int32(1), store.lists.Load())
}

func TestGet_InvalidationDuringComputationIsNotOverwritten(t *testing.T) {
	svc, store, mem, _ := newTestService(t, true)
	ctx := context.Background()
	seed(t, store.MockRepository, "u1")
	store.listed = make(chan struct{}, 1)
	store.resume = make(chan struct{})

	first := make(chan *Report, 1)
	go func() {
		r, err := svc.Get(ctx, "u1", false)
		assert.NoError(t, err)
		first <- r
	}()
	<-store.listed

	ferritin := marker("ferritin", "blood", "40", "15-150", time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	ferritin.UserID = "u1"
	ferritin.AnalysisID = "a2"
	_, err := store.InsertBiomarkers(ctx, []database.Biomarker{ferritin})
	require.NoError(t, err)
	require.NoError(t, svc.Invalidate(ctx, "u1"))

	close(store.resume)
	r := <-first
	require.NotNil(t, r)
	assert.Equal(t, 2, r.TotalBiomarkers)
	assert.Equal(t, 0, mem.Len(), "superseded report is not cached")

	r, err = svc.Get(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, 3, r.TotalBiomarkers)
	assert.Equal(t, int32(2), store.lists.Load())
}

func TestHandleGet(t *testing.T) {
	svc, store, _, _ := newTestService(t, true)
	seed(t, store.MockRepository, "u1")

	router := mux.NewRouter()
	svc.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/analytics?force=true", nil)
	req = req.WithContext(logging.WithUser(req.Context(), "u1", "authenticated", ""))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var r Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &r))
	assert.Equal(t, 2, r.TotalBiomarkers)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/analytics", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
