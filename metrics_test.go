package runicrpc

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
}

func TestMetricsRecordRequest(t *testing.T) {
	mc := newTestCollector()

	mc.RecordRequest("eth_getBalance", "a", "success", 50*time.Millisecond)
	mc.RecordRequest("eth_getBalance", "a", "success", 70*time.Millisecond)
	mc.RecordRequest("eth_getBalance", "b", "failure", 10*time.Millisecond)

	if got := testutil.ToFloat64(mc.requestsTotal.WithLabelValues("eth_getBalance", "a", "success")); got != 2 {
		t.Errorf("requests_total{a,success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(mc.requestsTotal.WithLabelValues("eth_getBalance", "b", "failure")); got != 1 {
		t.Errorf("requests_total{b,failure} = %v, want 1", got)
	}
}

func TestMetricsInFlightGauge(t *testing.T) {
	mc := newTestCollector()

	mc.RecordRequestStart("eth_call")
	mc.RecordRequestStart("eth_call")
	mc.RecordRequestEnd("eth_call")

	if got := testutil.ToFloat64(mc.requestsInFlight.WithLabelValues("eth_call")); got != 1 {
		t.Errorf("requests_in_flight = %v, want 1", got)
	}
}

func TestMetricsCircuitStateGauge(t *testing.T) {
	mc := newTestCollector()

	mc.RecordCircuitState("a", StateOpen)

	if got := testutil.ToFloat64(mc.circuitBreakerState.WithLabelValues("a")); got != float64(StateOpen) {
		t.Errorf("circuit_breaker_state = %v, want %v", got, float64(StateOpen))
	}
}

func TestMetricsCacheCounters(t *testing.T) {
	mc := newTestCollector()

	mc.RecordCacheHit("eth_getBalance")
	mc.RecordCacheMiss("eth_getBalance")
	mc.RecordCacheMiss("eth_getBalance")
	mc.RecordCacheSize(42)

	if got := testutil.ToFloat64(mc.cacheHits.WithLabelValues("eth_getBalance")); got != 1 {
		t.Errorf("cache_hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(mc.cacheMisses.WithLabelValues("eth_getBalance")); got != 2 {
		t.Errorf("cache_misses = %v, want 2", got)
	}
	if got := testutil.ToFloat64(mc.cacheSize); got != 42 {
		t.Errorf("cache_size = %v, want 42", got)
	}
}

func TestMetricsProbeOutcomes(t *testing.T) {
	mc := newTestCollector()

	mc.RecordProbe("a", true)
	mc.RecordProbe("a", false)
	mc.RecordProbe("a", false)

	if got := testutil.ToFloat64(mc.probesTotal.WithLabelValues("a", "success")); got != 1 {
		t.Errorf("probes{success} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(mc.probesTotal.WithLabelValues("a", "failure")); got != 2 {
		t.Errorf("probes{failure} = %v, want 2", got)
	}
}

func TestMetricsNilReceiverSafe(t *testing.T) {
	var mc *MetricsCollector

	// None of these may panic when metrics are disabled.
	mc.RecordRequest("m", "e", "success", time.Second)
	mc.RecordRequestStart("m")
	mc.RecordRequestEnd("m")
	mc.RecordRetry("m", "e")
	mc.RecordFailover("a", "b")
	mc.RecordCircuitState("e", StateOpen)
	mc.RecordTokens("e", 5)
	mc.RecordCacheHit("m")
	mc.RecordCacheMiss("m")
	mc.RecordCacheSize(1)
	mc.RecordDeduplicationHit("m")
	mc.RecordProbe("e", true)
	mc.RecordRetryBudgetExceeded("e")
	mc.RecordError(ErrorTypeTransport, "m", "e")
}

func TestMetricsRegistryAccessor(t *testing.T) {
	registry := prometheus.NewRegistry()
	mc := NewMetricsCollectorWithRegistry(registry)

	if mc.Registry() != registry {
		t.Error("Registry() did not return the construction registry")
	}
}
