package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records Prometheus metrics for the sync coordinator and the HTTP
// API. It satisfies the application layer's SyncMetrics interface.
type Metrics struct {
	registry *prometheus.Registry

	syncRuns       *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	syncedEvents   *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		syncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_sync_runs_total",
			Help: "Sync runs by provider and outcome.",
		}, []string{"provider", "outcome"}),

		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calsync_sync_run_duration_seconds",
			Help:    "Duration of sync runs.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),

		syncedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_synced_events_total",
			Help: "Reconciled calendar events by action.",
		}, []string{"action"}),

		tokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_token_refreshes_total",
			Help: "Access token refreshes by provider and outcome.",
		}, []string{"provider", "outcome"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_http_requests_total",
			Help: "HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calsync_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// RecordSyncRun records one completed sync run.
func (m *Metrics) RecordSyncRun(provider, outcome string, duration time.Duration) {
	m.syncRuns.WithLabelValues(provider, outcome).Inc()
	m.syncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordSyncedEvents records reconciled events by action (created, updated,
// deleted).
func (m *Metrics) RecordSyncedEvents(action string, count int) {
	if count <= 0 {
		return
	}
	m.syncedEvents.WithLabelValues(action).Add(float64(count))
}

// RecordTokenRefresh records one token refresh attempt.
func (m *Metrics) RecordTokenRefresh(provider, outcome string) {
	m.tokenRefreshes.WithLabelValues(provider, outcome).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
