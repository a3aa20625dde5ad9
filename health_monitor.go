package runicrpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// HealthMonitor probes every endpoint on an independent periodic timer,
// feeding outcomes into the circuit breakers and latency statistics exactly
// like real traffic. Probing continues while a breaker is open, providing
// the half-open trial signal without waiting for real requests. The clock
// is injectable so tests can drive the timers deterministically.
type HealthMonitor struct {
	interval  time.Duration
	timeout   time.Duration
	probe     *Request
	transport Transport
	endpoints []*Endpoint
	breakers  map[string]*CircuitBreaker
	latency   *LatencyTracker
	metrics   *MetricsCollector
	logger    Logger
	debug     *DebugConfig
	clk       clock.Clock

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewHealthMonitor creates a monitor for the given endpoints. It does not
// start probing until Start is called.
func NewHealthMonitor(interval, timeout time.Duration, probe *Request, transport Transport,
	endpoints []*Endpoint, breakers map[string]*CircuitBreaker, latency *LatencyTracker,
	metrics *MetricsCollector, logger Logger, debug *DebugConfig, clk clock.Clock) *HealthMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if probe == nil {
		probe = &Request{Method: "eth_blockNumber"}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &HealthMonitor{
		interval:  interval,
		timeout:   timeout,
		probe:     probe,
		transport: transport,
		endpoints: endpoints,
		breakers:  breakers,
		latency:   latency,
		metrics:   metrics,
		logger:    logger,
		debug:     debug,
		clk:       clk,
	}
}

// Start launches one probe loop per endpoint. Loops run until Stop is
// called or ctx is cancelled. Calling Start twice is a no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})

	for _, ep := range m.endpoints {
		m.wg.Add(1)
		go m.loop(ctx, ep)
	}
}

// Stop terminates all probe loops and waits for them to exit. A probe
// already in flight either completes its RecordOutcome or is abandoned by
// its timeout; breakers are never left mid-transition.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *HealthMonitor) loop(ctx context.Context, ep *Endpoint) {
	defer m.wg.Done()

	ticker := m.clk.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeOnce(ctx, ep)
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *HealthMonitor) probeOnce(ctx context.Context, ep *Endpoint) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	_, err := m.transport.Call(probeCtx, ep, m.probe)
	elapsed := time.Since(start)

	// A well-formed provider error comes from a live endpoint and counts as
	// a health success, the same classification real traffic applies.
	var provErr *ProviderError
	healthy := err == nil || errors.As(err, &provErr)

	if b := m.breakers[ep.Name]; b != nil {
		b.RecordOutcome(healthy)
		m.metrics.RecordCircuitState(ep.Name, b.State())
	}
	m.latency.Observe(ep.Name, elapsed, healthy)
	m.metrics.RecordProbe(ep.Name, healthy)

	if m.debug != nil && m.debug.Enabled && m.debug.LogProbes && m.logger != nil {
		if healthy {
			m.logger.Debug("Probe succeeded", "endpoint", ep.Name, "latency", elapsed)
		} else {
			m.logger.Debug("Probe failed", "endpoint", ep.Name, "error", err.Error())
		}
	}
}
