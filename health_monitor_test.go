package runicrpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestMonitor(interval time.Duration, transport Transport, eps []*Endpoint, clk clock.Clock) (*HealthMonitor, map[string]*CircuitBreaker, *LatencyTracker) {
	breakers := make(map[string]*CircuitBreaker, len(eps))
	for _, ep := range eps {
		breakers[ep.Name] = NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: 1,
			OpenTimeout:      time.Hour,
			SuccessThreshold: 1,
		})
	}
	latency := NewLatencyTracker(0.2, 2.0, eps)
	m := NewHealthMonitor(interval, time.Second, nil, transport, eps, breakers, latency, nil, nil, nil, clk)
	return m, breakers, latency
}

func TestHealthMonitorProbeFailureOpensBreaker(t *testing.T) {
	transport := newScriptedTransport(func(ep *Endpoint, req *Request) (*Response, error) {
		return nil, errors.New("connection refused")
	})
	eps := testEndpoints("a")
	m, breakers, _ := newTestMonitor(time.Minute, transport, eps, clock.New())

	m.probeOnce(context.Background(), eps[0])

	if got := breakers["a"].State(); got != StateOpen {
		t.Errorf("breaker state = %v after a failed probe with threshold 1, want open", got)
	}
	if transport.count("a") != 1 {
		t.Errorf("transport called %d times, want 1", transport.count("a"))
	}
}

func TestHealthMonitorProviderErrorProbeKeepsBreakerClosed(t *testing.T) {
	transport := newScriptedTransport(func(ep *Endpoint, req *Request) (*Response, error) {
		return nil, &ProviderError{Code: -32601, Message: "method not found", Endpoint: ep.Name}
	})
	eps := testEndpoints("a")
	m, breakers, latency := newTestMonitor(time.Minute, transport, eps, clock.New())

	for i := 0; i < 5; i++ {
		m.probeOnce(context.Background(), eps[0])
	}

	// A provider error is an answer from a live endpoint, so the probe path
	// must classify it like real traffic does: a health success.
	if got := breakers["a"].State(); got != StateClosed {
		t.Errorf("breaker state = %v after provider-error probes, want closed", got)
	}
	if got := latency.Samples("a"); got != 5 {
		t.Errorf("latency samples = %d, want 5", got)
	}
}

func TestHealthMonitorProbeSuccessFeedsLatency(t *testing.T) {
	transport := newScriptedTransport(func(ep *Endpoint, req *Request) (*Response, error) {
		return okResponse(ep)
	})
	eps := testEndpoints("a")
	m, breakers, latency := newTestMonitor(time.Minute, transport, eps, clock.New())

	m.probeOnce(context.Background(), eps[0])

	if got := breakers["a"].State(); got != StateClosed {
		t.Errorf("breaker state = %v, want closed", got)
	}
	if got := latency.Samples("a"); got != 1 {
		t.Errorf("latency samples = %d, want 1", got)
	}
}

func TestHealthMonitorProbeRecovery(t *testing.T) {
	healthy := false
	transport := newScriptedTransport(func(ep *Endpoint, req *Request) (*Response, error) {
		if !healthy {
			return nil, errors.New("connection refused")
		}
		return okResponse(ep)
	})
	eps := testEndpoints("a")
	m, breakers, _ := newTestMonitor(time.Minute, transport, eps, clock.New())
	breakers["a"] = NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      5 * time.Millisecond,
		SuccessThreshold: 1,
	})
	m.breakers = breakers

	m.probeOnce(context.Background(), eps[0])
	if got := breakers["a"].State(); got != StateOpen {
		t.Fatalf("breaker state = %v, want open", got)
	}

	healthy = true
	time.Sleep(10 * time.Millisecond)
	m.probeOnce(context.Background(), eps[0])

	if got := breakers["a"].State(); got != StateClosed {
		t.Errorf("breaker state = %v after a successful trial probe, want closed", got)
	}
}

func TestHealthMonitorUsesDefaultProbe(t *testing.T) {
	var probed *Request
	transport := TransportFunc(func(ctx context.Context, ep *Endpoint, req *Request) (*Response, error) {
		probed = req
		return &Response{Endpoint: ep.Name}, nil
	})
	eps := testEndpoints("a")
	m, _, _ := newTestMonitor(time.Minute, transport, eps, clock.New())

	m.probeOnce(context.Background(), eps[0])

	if probed == nil || probed.Method != "eth_blockNumber" {
		t.Errorf("probe request = %+v, want the default eth_blockNumber", probed)
	}
}

func TestHealthMonitorTickerDrivesProbes(t *testing.T) {
	probes := make(chan string, 16)
	transport := TransportFunc(func(ctx context.Context, ep *Endpoint, req *Request) (*Response, error) {
		probes <- ep.Name
		return &Response{Endpoint: ep.Name}, nil
	})
	eps := testEndpoints("a", "b")
	mock := clock.NewMock()
	m, _, _ := newTestMonitor(time.Second, transport, eps, mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	// Let the probe goroutines reach their ticker select before advancing.
	time.Sleep(20 * time.Millisecond)
	mock.Add(time.Second)

	seen := make(map[string]bool)
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case name := <-probes:
			seen[name] = true
		case <-deadline:
			t.Fatalf("probes seen = %v, want both endpoints probed after one tick", seen)
		}
	}
}

func TestHealthMonitorStopTerminatesLoops(t *testing.T) {
	transport := newScriptedTransport(func(ep *Endpoint, req *Request) (*Response, error) {
		return okResponse(ep)
	})
	eps := testEndpoints("a")
	m, _, _ := newTestMonitor(5*time.Millisecond, transport, eps, clock.New())

	m.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	settled := transport.count("a")
	time.Sleep(20 * time.Millisecond)
	if transport.count("a") != settled {
		t.Error("probes continued after Stop")
	}

	// Stop without Start and double Stop must be no-ops.
	m.Stop()
	m2, _, _ := newTestMonitor(time.Minute, transport, eps, clock.New())
	m2.Stop()
}
