package database

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everliv/everliv-api/supabase/client"
)

func newRepoWithHandler(t *testing.T, handler http.HandlerFunc) *Repository {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := client.New(client.Config{URL: server.URL, APIKey: "service-key"})
	require.NoError(t, err)
	repo := NewRepository(c)
	repo.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }
	return repo
}

func writeRows(w http.ResponseWriter, rows any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func TestGetProfile(t *testing.T) {
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/profiles", r.URL.Path)
		assert.Equal(t, "eq.u1", r.URL.Query().Get("id"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		writeRows(w, []map[string]any{{"id": "u1", "email": "a@b.ru", "first_name": "Anna"}})
	})

	p, err := repo.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Anna", p.FirstName)
}

func TestGetProfile_NotFound(t *testing.T) {
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		writeRows(w, []any{})
	})

	_, err := repo.GetProfile(context.Background(), "missing")
	assert.True(t, IsNotFound(err))

	_, err = repo.GetProfile(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateProfile_SendsOnlySetFields(t *testing.T) {
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.u1", r.URL.Query().Get("id"))

		body, _ := io.ReadAll(r.Body)
		var patch map[string]any
		require.NoError(t, json.Unmarshal(body, &patch))
		assert.Equal(t, "Ivan", patch["first_name"])
		assert.NotContains(t, patch, "last_name")
		assert.Equal(t, "2026-05-01T10:00:00Z", patch["updated_at"])

		writeRows(w, []map[string]any{{"id": "u1", "first_name": "Ivan"}})
	})

	name := "Ivan"
	p, err := repo.UpdateProfile(context.Background(), "u1", ProfileUpdate{FirstName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Ivan", p.FirstName)
}

func TestListProfiles_SearchAndCount(t *testing.T) {
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "(email.ilike.*anna*,first_name.ilike.*anna*,last_name.ilike.*anna*)", q.Get("or"))
		assert.Equal(t, "10", q.Get("limit"))
		assert.Equal(t, "10", q.Get("offset"))
		w.Header().Set("Content-Range", "10-10/11")
		writeRows(w, []map[string]any{{"id": "u11"}})
	})

	rows, total, err := repo.ListProfiles(context.Background(), "an(n)a,", 10, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 11, total)
}

func TestCreateTrial_Conflict(t *testing.T) {
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint"}`))
	})

	_, err := repo.CreateTrial(context.Background(), &FeatureTrial{UserID: "u1", Feature: "ai_doctor"})
	assert.True(t, IsConflict(err))
}

func TestMarkTrialUsed_OnlyUnused(t *testing.T) {
	calls := 0
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "eq.false", r.URL.Query().Get("is_used"))
		if calls == 1 {
			writeRows(w, []map[string]any{{"user_id": "u1", "feature": "ai_doctor", "is_used": true}})
			return
		}
		writeRows(w, []any{})
	})

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	trial, err := repo.MarkTrialUsed(context.Background(), "u1", "ai_doctor", at)
	require.NoError(t, err)
	assert.True(t, trial.Used)

	_, err = repo.MarkTrialUsed(context.Background(), "u1", "ai_doctor", at)
	assert.True(t, IsNotFound(err))
}

func TestIncrementUsage_RPC(t *testing.T) {
	atLimit := false
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/rpc/increment_feature_usage", r.URL.Path)
		var params map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "u1", params["p_user_id"])
		assert.Equal(t, "ai_doctor", params["p_feature"])
		assert.Equal(t, "2026-05-01T00:00:00Z", params["p_period_start"])
		assert.EqualValues(t, 10, params["p_limit"])
		if atLimit {
			_, _ = w.Write([]byte("null"))
			return
		}
		_, _ = w.Write([]byte("4"))
	})
	period := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	n, err := repo.IncrementUsage(context.Background(), "u1", "ai_doctor", period, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	atLimit = true
	n, err = repo.IncrementUsage(context.Background(), "u1", "ai_doctor", period, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetActiveSubscription_Filters(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "in.(active,trialing)", q.Get("status"))
		assert.Equal(t, "gt.2026-05-01T10:00:00Z", q.Get("current_period_end"))
		assert.Equal(t, "current_period_end.desc", q.Get("order"))
		writeRows(w, []map[string]any{{"id": "s1", "user_id": "u1", "plan_id": "basic", "status": "active"}})
	})

	sub, err := repo.GetActiveSubscription(context.Background(), "u1", now)
	require.NoError(t, err)
	assert.Equal(t, "basic", sub.PlanID)
}

func TestDeleteAnalysis(t *testing.T) {
	var paths []string
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/rest/v1/medical_analyses" {
			writeRows(w, []any{})
			return
		}
		writeRows(w, []map[string]any{{"id": "b1"}})
	})

	err := repo.DeleteAnalysis(context.Background(), "u1", "a1")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, []string{"/rest/v1/biomarkers", "/rest/v1/medical_analyses"}, paths)
}

func TestListMessages_Chronological(t *testing.T) {
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "created_at.desc", r.URL.Query().Get("order"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		writeRows(w, []map[string]any{{"id": "m3"}, {"id": "m2"}})
	})

	msgs, err := repo.ListMessages(context.Background(), "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
}

func TestMarkAnalyticsStale_MissingRowIsOK(t *testing.T) {
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		writeRows(w, []any{})
	})
	assert.NoError(t, repo.MarkAnalyticsStale(context.Background(), "u1"))
}

func TestExpirePendingPayments(t *testing.T) {
	cutoff := time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC)
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "eq.pending", q.Get("status"))
		assert.Equal(t, "lt.2026-04-30T10:00:00Z", q.Get("created_at"))
		writeRows(w, []map[string]any{{"id": "p1"}, {"id": "p2"}})
	})

	n, err := repo.ExpirePendingPayments(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClaimPayment(t *testing.T) {
	var calls int
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		q := r.URL.Query()
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.p1", q.Get("id"))
		assert.Equal(t, "eq.pending", q.Get("status"))
		if calls == 1 {
			writeRows(w, []map[string]any{{"id": "p1", "status": PaymentSucceeded}})
			return
		}
		writeRows(w, []any{})
	})
	ctx := context.Background()
	succeeded := PaymentSucceeded

	p, err := repo.ClaimPayment(ctx, "p1", PaymentPending, PaymentUpdate{Status: &succeeded})
	require.NoError(t, err)
	assert.Equal(t, PaymentSucceeded, p.Status)

	_, err = repo.ClaimPayment(ctx, "p1", PaymentPending, PaymentUpdate{Status: &succeeded})
	assert.True(t, IsNotFound(err))

	_, err = repo.ClaimPayment(ctx, "p1", "paid", PaymentUpdate{Status: &succeeded})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 2, calls)
}

func TestValidation(t *testing.T) {
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s", r.URL.Path)
	})
	ctx := context.Background()

	bad := "archived"
	_, err := repo.UpdateProtocol(ctx, "u1", "p1", ProtocolUpdate{Status: &bad})
	assert.ErrorIs(t, err, ErrInvalidInput)

	zero := 0
	_, err = repo.UpdateProtocol(ctx, "u1", "p1", ProtocolUpdate{DurationDays: &zero})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = repo.CreatePayment(ctx, &Payment{UserID: "u1", PlanID: "basic"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = repo.CreateSubscription(ctx, &Subscription{UserID: "u1", PlanID: "basic", Status: "active"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = repo.ListPaymentsByStatus(ctx, "lost", 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHasRole(t *testing.T) {
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user_id") == "eq.admin" {
			writeRows(w, []map[string]any{{"user_id": "admin", "role": "admin"}})
			return
		}
		writeRows(w, []any{})
	})

	ok, err := repo.HasRole(context.Background(), "admin", "admin")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.HasRole(context.Background(), "user", "admin")
	require.NoError(t, err)
	assert.False(t, ok)
}
