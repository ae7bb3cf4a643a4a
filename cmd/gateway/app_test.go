package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everliv/everliv-api/internal/config"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/pkg/testutil"
	"github.com/everliv/everliv-api/services/common/service"
	"github.com/everliv/everliv-api/supabase/client"
)

const testSecret = "gateway-test-secret"

func testConfig(supabaseURL string) *config.Config {
	return &config.Config{
		Environment:     "test",
		HTTPAddr:        ":0",
		ShutdownTimeout: time.Second,
		Supabase: config.SupabaseConfig{
			URL:            supabaseURL,
			ServiceRoleKey: "service-role",
			JWTSecret:      testSecret,
			JWTAudience:    "authenticated",
			AnalysesBucket: "medical-analyses",
		},
		LLM:            config.LLMConfig{DefaultProvider: "openai", Timeout: time.Second},
		TrialDuration:  72 * time.Hour,
		AnalyticsTTL:   time.Hour,
		RateLimitRPS:   100,
		RateLimitBurst: 100,
		CORSOrigins:    []string{"*"},
	}
}

func newTestApp(t *testing.T) (*app, http.Handler) {
	t.Helper()
	a, err := newApp(context.Background(), testConfig(testutil.NewSupabaseStub(t).URL), logging.NewDiscard())
	require.NoError(t, err)
	t.Cleanup(func() { a.close(context.Background()) })
	return a, a.router()
}

func do(h http.Handler, method, path, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestGateway_PublicEndpoints(t *testing.T) {
	a, h := newTestApp(t)
	assert.Nil(t, a.pg)
	assert.Nil(t, a.realtime)

	rr := do(h, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var health service.HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, service.StatusHealthy, health.Status)
	assert.Equal(t, "everliv-gateway", health.Service)

	rr = do(h, http.MethodGet, "/info", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "rate_limiters")

	rr = do(h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "everliv_")

	rr = do(h, http.MethodPost, "/api/v1/auth/login", "", `{"email":"a@example.com","password":"wrong-password"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestGateway_AuthenticatedRoutes(t *testing.T) {
	_, h := newTestApp(t)

	rr := do(h, http.MethodGet, "/api/v1/plans", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(h, http.MethodGet, "/api/v1/plans", testutil.AccessToken(t, testSecret, "u1", ""), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var plans config.Plans
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &plans))
	assert.Equal(t, "free", plans.DefaultPlan)

	rr = do(h, http.MethodGet, "/api/v1/admin/payments", testutil.AccessToken(t, testSecret, "u1", ""), "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(h, http.MethodGet, "/api/v1/admin/payments?status=pending", testutil.AccessToken(t, testSecret, "boss", "admin"), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"payments":[]}`, rr.Body.String())
}

func TestPublicPaths(t *testing.T) {
	assert.ElementsMatch(t, []string{
		"/api/v1/auth/register",
		"/api/v1/auth/login",
		"/api/v1/auth/refresh",
		"/api/v1/payments/paykeeper/callback",
	}, publicPaths())
}

type recordingInvalidator struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return r.err
}

func (r *recordingInvalidator) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...)
}

func change(kind string, record, old map[string]any) *client.RealtimeEvent {
	data := map[string]any{"type": kind, "table": "biomarkers"}
	if record != nil {
		data["record"] = record
	}
	if old != nil {
		data["old_record"] = old
	}
	return &client.RealtimeEvent{Event: client.EventPostgresChanges, Payload: map[string]any{"data": data}}
}

func TestInvalidationHandler_BatchesPerUser(t *testing.T) {
	inv := &recordingInvalidator{}
	q := newInvalidationQueue(inv, logging.NewDiscard(), time.Hour)
	handle := invalidationHandler(q)

	handle(change("INSERT", map[string]any{"id": "b1", "user_id": "u1"}, nil))
	handle(change("INSERT", map[string]any{"id": "b2", "user_id": "u1"}, nil))
	handle(change("DELETE", nil, map[string]any{"id": "b3", "user_id": "u2"}))
	handle(change("UPDATE", map[string]any{"id": "b4"}, nil))
	assert.Empty(t, inv.seen(), "handler does not call the store")

	q.flush(context.Background())
	assert.Equal(t, []string{"u1", "u2"}, inv.seen())

	inv.err = errors.New("redis down")
	handle(change("INSERT", map[string]any{"user_id": "u3"}, nil))
	q.flush(context.Background())
	assert.Equal(t, []string{"u1", "u2", "u3"}, inv.seen())

	q.flush(context.Background())
	assert.Len(t, inv.seen(), 3)
}

func TestInvalidationQueue_Run(t *testing.T) {
	inv := &recordingInvalidator{}
	q := newInvalidationQueue(inv, logging.NewDiscard(), 10*time.Millisecond)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.run(context.Background(), stop)
		close(done)
	}()

	for i := 0; i < 20; i++ {
		q.add("u1")
	}
	assert.Eventually(t, func() bool { return len(inv.seen()) == 1 }, time.Second, 5*time.Millisecond)

	q.add("u2")
	close(stop)
	<-done
	assert.Equal(t, []string{"u1", "u2"}, inv.seen(), "pending users flushed on stop")
}
