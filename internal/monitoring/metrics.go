package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "larue"

// Metrics holds the scoring engine's Prometheus collectors. Each instance
// owns its registry so tests and commands never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	ScoresComputed *prometheus.CounterVec
	ScoreFlags     *prometheus.CounterVec
	DriftEvents    *prometheus.CounterVec
	SkippedRecords *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	LastRunTime    prometheus.Gauge

	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	CacheRequests *prometheus.CounterVec
	RateLimited   *prometheus.CounterVec

	StartTime time.Time
}

// NewMetrics creates a new metrics instance on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ScoresComputed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scores_computed_total",
			Help:      "Decision scores computed by level (motion, vote, orphan)",
		}, []string{"level"}),
		ScoreFlags: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_flags_total",
			Help:      "Flags attached to computed scores",
		}, []string{"flag"}),
		DriftEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_events_total",
			Help:      "Drift records produced by axis",
		}, []string{"axis"}),
		SkippedRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_records_total",
			Help:      "Input or persisted records skipped by reason",
		}, []string{"reason"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of complete scoring runs",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		LastRunTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last scoring run finished",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		CacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Response cache lookups by result",
		}, []string{"result"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter by backend",
		}, []string{"backend"}),
		StartTime: time.Now(),
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordScore counts one computed score and its flags
func (m *Metrics) RecordScore(level string, flags []string) {
	m.ScoresComputed.WithLabelValues(level).Inc()
	for _, flag := range flags {
		m.ScoreFlags.WithLabelValues(flag).Inc()
	}
}

// RecordDrift counts one drift event
func (m *Metrics) RecordDrift(axis string) {
	m.DriftEvents.WithLabelValues(axis).Inc()
}

// RecordSkipped counts skipped records
func (m *Metrics) RecordSkipped(reason string, n int) {
	if n > 0 {
		m.SkippedRecords.WithLabelValues(reason).Add(float64(n))
	}
}

// RecordRun records a finished run
func (m *Metrics) RecordRun(duration time.Duration, finished time.Time) {
	m.RunDuration.Observe(duration.Seconds())
	m.LastRunTime.Set(float64(finished.Unix()))
}

// RecordRequest records one API request
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCache records a cache lookup
func (m *Metrics) RecordCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

// RecordRateLimited records a rejected request
func (m *Metrics) RecordRateLimited(backend string) {
	m.RateLimited.WithLabelValues(backend).Inc()
}

// Uptime returns the time since the metrics were created
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.StartTime)
}
