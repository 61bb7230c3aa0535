// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheHitsTotal        *prometheus.CounterVec
	cacheMissesTotal      *prometheus.CounterVec
	cacheErrorsTotal      prometheus.Counter
	durableOpSeconds      *prometheus.HistogramVec
	cacheSlowOpsTotal     prometheus.Counter
	breakerState          *prometheus.GaugeVec
	providerRequestsTotal *prometheus.CounterVec
	streamsActive         prometheus.Gauge
	streamEventsTotal     *prometheus.CounterVec
	crawlJobsTotal        *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcodes_cache_hits_total",
				Help: "Total cache hits, labeled by tier (fast or durable).",
			},
			[]string{"tier"},
		)

		cacheMissesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcodes_cache_misses_total",
				Help: "Total cache misses, labeled by tier (fast or durable).",
			},
			[]string{"tier"},
		)

		cacheErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "llmcodes_cache_durable_errors_total",
				Help: "Total durable-tier errors swallowed and served as misses.",
			},
		)

		durableOpSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmcodes_cache_durable_op_seconds",
				Help:    "Histogram of durable-tier operation latencies, labeled by op.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"op"},
		)

		cacheSlowOpsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "llmcodes_cache_slow_ops_total",
				Help: "Total durable-tier operations slower than the slow-op threshold.",
			},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmcodes_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open), labeled by name.",
			},
			[]string{"name"},
		)

		providerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcodes_provider_requests_total",
				Help: "Total remote provider calls, labeled by op and outcome.",
			},
			[]string{"op", "outcome"},
		)

		streamsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "llmcodes_streams_active",
				Help: "Number of live status streams currently open.",
			},
		)

		streamEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcodes_stream_events_total",
				Help: "Total stream events emitted, labeled by type.",
			},
			[]string{"type"},
		)

		crawlJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcodes_crawl_jobs_total",
				Help: "Total crawl jobs reaching a state, labeled by status.",
			},
			[]string{"status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCacheHit increments the hit counter for a tier.
func ObserveCacheHit(tier string) {
	cacheHitsTotal.WithLabelValues(tier).Inc()
}

// ObserveCacheMiss increments the miss counter for a tier.
func ObserveCacheMiss(tier string) {
	cacheMissesTotal.WithLabelValues(tier).Inc()
}

// ObserveCacheError counts a swallowed durable-tier error.
func ObserveCacheError() {
	cacheErrorsTotal.Inc()
}

// ObserveDurableOp records the latency of one durable-tier operation and
// whether it crossed the slow threshold.
func ObserveDurableOp(op string, duration time.Duration, slow bool) {
	durableOpSeconds.WithLabelValues(op).Observe(duration.Seconds())
	if slow {
		cacheSlowOpsTotal.Inc()
	}
}

// SetBreakerState publishes the numeric breaker state for a dependency.
func SetBreakerState(name string, state float64) {
	breakerState.WithLabelValues(name).Set(state)
}

// ObserveProviderRequest counts a remote provider call.
func ObserveProviderRequest(op, outcome string) {
	providerRequestsTotal.WithLabelValues(op, outcome).Inc()
}

// IncActiveStreams increments the live stream gauge.
func IncActiveStreams() {
	streamsActive.Inc()
}

// DecActiveStreams decrements the live stream gauge.
func DecActiveStreams() {
	streamsActive.Dec()
}

// ObserveStreamEvent counts an emitted stream event.
func ObserveStreamEvent(eventType string) {
	streamEventsTotal.WithLabelValues(eventType).Inc()
}

// ObserveJob counts a job reaching the given status.
func ObserveJob(status string) {
	crawlJobsTotal.WithLabelValues(status).Inc()
}
