package runicrpc

import (
	"sync"
	"time"
)

// LatencyStats holds the exponentially weighted moving average of recent
// round-trip latency for one endpoint, plus the sample count. Writes
// serialize per endpoint; endpoints never contend with each other.
type LatencyStats struct {
	mu      sync.Mutex
	ewma    float64 // nanoseconds
	samples uint64
}

// LatencyTracker owns per-endpoint latency statistics. It is populated once
// at construction for the configured endpoint set and consumed by the
// latency-based selection strategy.
type LatencyTracker struct {
	alpha   float64
	penalty float64
	stats   map[string]*LatencyStats
}

// NewLatencyTracker creates a tracker for the given endpoints. alpha is the
// EWMA smoothing factor in (0, 1]; penalty is the multiplier applied to
// failed attempts so flaky endpoints sort behind healthy ones.
func NewLatencyTracker(alpha, penalty float64, endpoints []*Endpoint) *LatencyTracker {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	if penalty < 1 {
		penalty = 2.0
	}
	stats := make(map[string]*LatencyStats, len(endpoints))
	for _, ep := range endpoints {
		stats[ep.Name] = &LatencyStats{}
	}
	return &LatencyTracker{alpha: alpha, penalty: penalty, stats: stats}
}

// Observe records one completed call. Failures are penalized by recording
// the elapsed time scaled by the penalty factor.
func (t *LatencyTracker) Observe(endpoint string, rtt time.Duration, success bool) {
	s, ok := t.stats[endpoint]
	if !ok {
		return
	}

	sample := float64(rtt)
	if !success {
		sample *= t.penalty
	}

	s.mu.Lock()
	if s.samples == 0 {
		s.ewma = sample
	} else {
		s.ewma += t.alpha * (sample - s.ewma)
	}
	s.samples++
	s.mu.Unlock()
}

// EWMA returns the smoothed latency for the endpoint, or zero when no
// samples have been recorded yet.
func (t *LatencyTracker) EWMA(endpoint string) time.Duration {
	s, ok := t.stats[endpoint]
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.ewma)
}

// Samples returns the number of observations recorded for the endpoint.
func (t *LatencyTracker) Samples(endpoint string) uint64 {
	s, ok := t.stats[endpoint]
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}
