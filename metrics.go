package runicrpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle and
// reliability layers. It only updates collectors; exposition is left to the
// consumer. All record methods are nil-receiver safe.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal   *prometheus.CounterVec
	failoversTotal *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec
	rateLimiterTokens   *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   prometheus.Gauge

	deduplicationHits *prometheus.CounterVec

	probesTotal *prometheus.CounterVec

	retryBudgetExceeded *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "runicrpc_requests_total",
				Help: "Total number of logical requests by outcome",
			},
			[]string{"method", "endpoint", "outcome"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runicrpc_request_duration_seconds",
				Help:    "Duration of logical requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "runicrpc_requests_in_flight",
				Help: "Number of logical requests currently in flight",
			},
			[]string{"method"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "runicrpc_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint"},
		),
		failoversTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "runicrpc_failovers_total",
				Help: "Total number of candidate switches after a failed attempt",
			},
			[]string{"from", "to"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "runicrpc_circuit_breaker_state",
				Help: "Current circuit breaker state per endpoint (0=closed, 1=open, 2=half-open)",
			},
			[]string{"endpoint"},
		),
		rateLimiterTokens: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "runicrpc_rate_limiter_tokens",
				Help: "Currently available token bucket tokens per endpoint",
			},
			[]string{"endpoint"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "runicrpc_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"method"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "runicrpc_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"method"},
		),
		cacheSize: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "runicrpc_cache_size",
				Help: "Current number of entries in the response cache",
			},
		),
		deduplicationHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "runicrpc_deduplication_hits_total",
				Help: "Total number of requests coalesced onto an in-flight leader",
			},
			[]string{"method"},
		),
		probesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "runicrpc_health_probes_total",
				Help: "Total number of health probes by outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		retryBudgetExceeded: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "runicrpc_retry_budget_exceeded_total",
				Help: "Total number of retries suppressed by the retry budget",
			},
			[]string{"endpoint"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "runicrpc_errors_total",
				Help: "Total number of errors encountered by type",
			},
			[]string{"type", "method", "endpoint"},
		),
	}

	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordRequest records one settled logical request.
func (mc *MetricsCollector) RecordRequest(method, endpoint, outcome string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.requestsTotal.WithLabelValues(method, endpoint, outcome).Inc()
	mc.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method).Dec()
}

// RecordRetry counts one retry attempt against an endpoint.
func (mc *MetricsCollector) RecordRetry(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordFailover counts a candidate switch.
func (mc *MetricsCollector) RecordFailover(from, to string) {
	if mc == nil {
		return
	}
	mc.failoversTotal.WithLabelValues(from, to).Inc()
}

// RecordCircuitState sets the per-endpoint breaker state gauge.
func (mc *MetricsCollector) RecordCircuitState(endpoint string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.WithLabelValues(endpoint).Set(float64(state))
}

// RecordTokens sets the per-endpoint token gauge.
func (mc *MetricsCollector) RecordTokens(endpoint string, tokens int64) {
	if mc == nil {
		return
	}
	mc.rateLimiterTokens.WithLabelValues(endpoint).Set(float64(tokens))
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(method string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(method).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(method string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(method).Inc()
}

// RecordCacheSize sets the cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.Set(float64(size))
}

// RecordDeduplicationHit counts a request served by an in-flight leader.
func (mc *MetricsCollector) RecordDeduplicationHit(method string) {
	if mc == nil {
		return
	}
	mc.deduplicationHits.WithLabelValues(method).Inc()
}

// RecordProbe counts one health probe outcome.
func (mc *MetricsCollector) RecordProbe(endpoint string, success bool) {
	if mc == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	mc.probesTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RecordRetryBudgetExceeded counts a retry suppressed by the budget.
func (mc *MetricsCollector) RecordRetryBudgetExceeded(endpoint string) {
	if mc == nil {
		return
	}
	mc.retryBudgetExceeded.WithLabelValues(endpoint).Inc()
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// Registry exposes the underlying registry when the collector was built on
// a *prometheus.Registry, nil otherwise.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}
