package runicrpc

import (
	"errors"
	"testing"
	"time"
)

func newTestRouter(strategy Strategy, eps []*Endpoint, fallback *Endpoint) (*Router, map[string]*CircuitBreaker) {
	all := append([]*Endpoint{}, eps...)
	if fallback != nil {
		all = append(all, fallback)
	}
	breakers := make(map[string]*CircuitBreaker, len(all))
	for _, ep := range all {
		breakers[ep.Name] = NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: 1,
			OpenTimeout:      time.Hour,
		})
	}
	latency := NewLatencyTracker(0.2, 2.0, all)
	return NewRouter(eps, fallback, strategy, breakers, latency), breakers
}

func TestRouterRoundRobinFairness(t *testing.T) {
	eps := testEndpoints("a", "b", "c")
	r, _ := newTestRouter(StrategyRoundRobin, eps, nil)

	leads := make(map[string]int)
	for i := 0; i < 3; i++ {
		candidates, err := r.SelectCandidates(nil)
		if err != nil {
			t.Fatalf("SelectCandidates: %v", err)
		}
		if len(candidates) != 3 {
			t.Fatalf("got %d candidates, want 3", len(candidates))
		}
		leads[candidates[0].Name]++
	}

	for _, name := range []string{"a", "b", "c"} {
		if leads[name] != 1 {
			t.Errorf("endpoint %s led %d times over 3 selections, want 1", name, leads[name])
		}
	}
}

func TestRouterFiltersOpenBreakers(t *testing.T) {
	eps := testEndpoints("a", "b")
	r, breakers := newTestRouter(StrategyRoundRobin, eps, nil)

	breakers["a"].RecordOutcome(false)

	for i := 0; i < 4; i++ {
		candidates, err := r.SelectCandidates(nil)
		if err != nil {
			t.Fatalf("SelectCandidates: %v", err)
		}
		if len(candidates) != 1 || candidates[0].Name != "b" {
			t.Fatalf("candidates = %v, want only b", names(candidates))
		}
	}
}

func TestRouterTagFilter(t *testing.T) {
	eps := []*Endpoint{
		{Name: "a", URL: "http://a", Tags: []string{"archive"}},
		{Name: "b", URL: "http://b"},
	}
	r, _ := newTestRouter(StrategyRoundRobin, eps, nil)

	candidates, err := r.SelectCandidates(&Request{Method: "eth_getLogs", RequireTag: "archive"})
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Name != "a" {
		t.Errorf("candidates = %v, want only the tagged endpoint", names(candidates))
	}
}

func TestRouterFallbackWhenAllOpen(t *testing.T) {
	eps := testEndpoints("a", "b")
	fallback := &Endpoint{Name: "last", URL: "http://last"}
	r, breakers := newTestRouter(StrategyRoundRobin, eps, fallback)

	breakers["a"].RecordOutcome(false)
	breakers["b"].RecordOutcome(false)
	// The fallback's own breaker being open must not matter when it is the
	// sole remaining option.
	breakers["last"].RecordOutcome(false)

	candidates, err := r.SelectCandidates(nil)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Name != "last" {
		t.Errorf("candidates = %v, want only the fallback", names(candidates))
	}
}

func TestRouterNoEndpointsAvailable(t *testing.T) {
	eps := testEndpoints("a")
	r, breakers := newTestRouter(StrategyRoundRobin, eps, nil)

	breakers["a"].RecordOutcome(false)

	_, err := r.SelectCandidates(nil)
	if !errors.Is(err, ErrNoEndpointsAvailable) {
		t.Errorf("SelectCandidates error = %v, want ErrNoEndpointsAvailable", err)
	}
}

func TestRouterFallbackNotUsedWhileCandidatesRemain(t *testing.T) {
	eps := testEndpoints("a")
	fallback := &Endpoint{Name: "last", URL: "http://last"}
	r, _ := newTestRouter(StrategyRoundRobin, eps, fallback)

	candidates, err := r.SelectCandidates(nil)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	for _, ep := range candidates {
		if ep.Name == "last" {
			t.Error("fallback present in candidates while a regular endpoint is allowed")
		}
	}
}

func TestRouterLatencyOrdering(t *testing.T) {
	eps := testEndpoints("slow", "fast", "medium")
	r, _ := newTestRouter(StrategyLatency, eps, nil)

	r.Observe("slow", 300*time.Millisecond, true)
	r.Observe("fast", 10*time.Millisecond, true)
	r.Observe("medium", 100*time.Millisecond, true)

	candidates, err := r.SelectCandidates(nil)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	want := []string{"fast", "medium", "slow"}
	for i, name := range want {
		if candidates[i].Name != name {
			t.Fatalf("candidates = %v, want %v", names(candidates), want)
		}
	}
}

func TestRouterLatencyFreshEndpointFirst(t *testing.T) {
	eps := testEndpoints("seasoned", "fresh")
	r, _ := newTestRouter(StrategyLatency, eps, nil)

	r.Observe("seasoned", 10*time.Millisecond, true)

	candidates, err := r.SelectCandidates(nil)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if candidates[0].Name != "fresh" {
		t.Errorf("first candidate = %s, want the unsampled endpoint (zero EWMA sorts first)", candidates[0].Name)
	}
}

func TestRouterWeightedIncludesAll(t *testing.T) {
	eps := []*Endpoint{
		{Name: "a", URL: "http://a", Weight: 10},
		{Name: "b", URL: "http://b", Weight: 1},
		{Name: "c", URL: "http://c"}, // zero weight counts as 1
	}
	r, _ := newTestRouter(StrategyWeighted, eps, nil)

	for i := 0; i < 10; i++ {
		candidates, err := r.SelectCandidates(nil)
		if err != nil {
			t.Fatalf("SelectCandidates: %v", err)
		}
		if len(candidates) != 3 {
			t.Fatalf("got %d candidates, want all 3", len(candidates))
		}
		seen := make(map[string]bool)
		for _, ep := range candidates {
			if seen[ep.Name] {
				t.Fatalf("endpoint %s appears twice in %v", ep.Name, names(candidates))
			}
			seen[ep.Name] = true
		}
	}
}

func TestRouterWeightedBias(t *testing.T) {
	eps := []*Endpoint{
		{Name: "heavy", URL: "http://heavy", Weight: 9},
		{Name: "light", URL: "http://light", Weight: 1},
	}
	r, _ := newTestRouter(StrategyWeighted, eps, nil)

	heavyFirst := 0
	const rounds = 1000
	for i := 0; i < rounds; i++ {
		candidates, err := r.SelectCandidates(nil)
		if err != nil {
			t.Fatalf("SelectCandidates: %v", err)
		}
		if candidates[0].Name == "heavy" {
			heavyFirst++
		}
	}

	// Expected ~900; allow generous slack for randomness.
	if heavyFirst < 800 || heavyFirst > 980 {
		t.Errorf("heavy led %d/%d selections, want roughly 900", heavyFirst, rounds)
	}
}

func TestRouterRandomPermutation(t *testing.T) {
	eps := testEndpoints("a", "b", "c", "d")
	r, _ := newTestRouter(StrategyRandom, eps, nil)

	candidates, err := r.SelectCandidates(nil)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if len(candidates) != 4 {
		t.Fatalf("got %d candidates, want 4", len(candidates))
	}
	seen := make(map[string]bool)
	for _, ep := range candidates {
		seen[ep.Name] = true
	}
	if len(seen) != 4 {
		t.Errorf("candidates = %v, want a permutation of all endpoints", names(candidates))
	}
}

func names(eps []*Endpoint) []string {
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.Name
	}
	return out
}
