package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.RecordHTTPRequest("GET", "/api/v1/profile", 200, 10*time.Millisecond)
	m.RecordHTTPRequest("GET", "/api/v1/profile", 200, 20*time.Millisecond)
	m.RecordAccessDecision("ai_doctor", false, "limit_reached")
	m.RecordAccessDecision("ai_doctor", true, "")
	m.RecordLLMCall("openai", time.Second, errors.New("boom"))
	m.RecordJobRun("expire_subscriptions", 0, true)
	m.RecordAnalyticsLookup("cache", true)
	m.SetRealtimeChannels(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/profile", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accessChecks.WithLabelValues("ai_doctor", "false", "limit_reached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accessChecks.WithLabelValues("ai_doctor", "true", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmCalls.WithLabelValues("openai", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("expire_subscriptions", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.analyticsHits.WithLabelValues("cache", "hit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.realtimeChans))
}

func TestMetrics_HandlerExposesRegistry(t *testing.T) {
	m := New()
	m.RecordPaymentEvent("invoice_created")
	m.IncrementInFlight()
	m.DecrementInFlight()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `everliv_payments_events_total{event="invoice_created"} 1`)
	assert.Contains(t, string(body), "everliv_http_inflight_requests 0")
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.RecordPaymentEvent("x")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.payments.WithLabelValues("x")))
}
