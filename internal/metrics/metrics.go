// Package metrics holds the Prometheus collectors of the EVERLIV API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "everliv"

// Metrics is a set of collectors registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight  prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	accessChecks  *prometheus.CounterVec
	featureUsage  *prometheus.CounterVec
	llmCalls      *prometheus.CounterVec
	llmDuration   *prometheus.HistogramVec
	analyticsRuns *prometheus.CounterVec
	analyticsHits *prometheus.CounterVec
	realtimeChans prometheus.Gauge
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	payments      *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
		accessChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Feature access decisions by feature, outcome and reason.",
		}, []string{"feature", "allowed", "reason"}),
		featureUsage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "consumed_total",
			Help:      "Feature uses consumed by source (plan or trial).",
		}, []string{"feature", "source"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "AI provider calls.",
		}, []string{"provider", "status"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "AI provider call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
		analyticsRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "recomputations_total",
			Help:      "Analytics recomputations.",
		}, []string{"status"}),
		analyticsHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "cache_lookups_total",
			Help:      "Analytics cache lookups by layer and result.",
		}, []string{"layer", "result"}),
		realtimeChans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "channels",
			Help:      "Joined realtime channels.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs.",
		}, []string{"job", "success"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_run_duration_seconds",
			Help:      "Scheduled job duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"job"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "events_total",
			Help:      "Payment lifecycle events.",
		}, []string{"event"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.accessChecks,
		m.featureUsage,
		m.llmCalls,
		m.llmDuration,
		m.analyticsRuns,
		m.analyticsHits,
		m.realtimeChans,
		m.jobRuns,
		m.jobDuration,
		m.payments,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records a finished request. path should be a route template.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAccessDecision counts a feature access check.
func (m *Metrics) RecordAccessDecision(feature string, allowed bool, reason string) {
	if reason == "" {
		reason = "none"
	}
	m.accessChecks.WithLabelValues(feature, strconv.FormatBool(allowed), reason).Inc()
}

// RecordFeatureUse counts a consumed feature use.
func (m *Metrics) RecordFeatureUse(feature, source string) {
	m.featureUsage.WithLabelValues(feature, source).Inc()
}

// RecordLLMCall records a provider call.
func (m *Metrics) RecordLLMCall(provider string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.llmCalls.WithLabelValues(provider, status).Inc()
	m.llmDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordAnalyticsRun counts a recomputation.
func (m *Metrics) RecordAnalyticsRun(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.analyticsRuns.WithLabelValues(status).Inc()
}

// RecordAnalyticsLookup counts a cache lookup on layer ("cache" or "database").
func (m *Metrics) RecordAnalyticsLookup(layer string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.analyticsHits.WithLabelValues(layer, result).Inc()
}

// SetRealtimeChannels sets the joined channel gauge.
func (m *Metrics) SetRealtimeChannels(n int) {
	m.realtimeChans.Set(float64(n))
}

// RecordJobRun records a scheduler job run.
func (m *Metrics) RecordJobRun(job string, duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	m.jobRuns.WithLabelValues(job, strconv.FormatBool(success)).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordPaymentEvent counts invoice_created, succeeded, rejected, expired and similar events.
func (m *Metrics) RecordPaymentEvent(event string) {
	m.payments.WithLabelValues(event).Inc()
}
