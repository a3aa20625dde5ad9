package runicrpc

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Router owns the immutable endpoint registry and the latency statistics,
// and ranks allowed endpoints per the configured strategy. It only reads
// circuit breaker state and never mutates it.
type Router struct {
	endpoints []*Endpoint
	fallback  *Endpoint
	strategy  Strategy
	breakers  map[string]*CircuitBreaker
	latency   *LatencyTracker

	rr uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRouter creates a router over the given endpoint set. breakers supplies
// the per-endpoint allow filter; latency feeds the latency-based strategy.
func NewRouter(endpoints []*Endpoint, fallback *Endpoint, strategy Strategy, breakers map[string]*CircuitBreaker, latency *LatencyTracker) *Router {
	return &Router{
		endpoints: endpoints,
		fallback:  fallback,
		strategy:  strategy,
		breakers:  breakers,
		latency:   latency,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Endpoints returns the configured endpoint registry, fallback excluded.
func (r *Router) Endpoints() []*Endpoint { return r.endpoints }

// Fallback returns the configured last-resort endpoint, if any.
func (r *Router) Fallback() *Endpoint { return r.fallback }

// Latency returns the tracker owned by the router. The executor reports
// each attempt's outcome through Observe.
func (r *Router) Latency() *LatencyTracker { return r.latency }

// Observe forwards one attempt outcome into the latency statistics.
func (r *Router) Observe(endpoint string, rtt time.Duration, success bool) {
	r.latency.Observe(endpoint, rtt, success)
}

// SelectCandidates returns the ordered candidate list for a request:
// endpoints passing the circuit breaker filter (and the request's capability
// tag, if any), ranked by strategy. When the allowed set is empty and a
// fallback is configured, the fallback is returned as the sole candidate
// regardless of its own health state. An empty result is an error.
func (r *Router) SelectCandidates(req *Request) ([]*Endpoint, error) {
	allowed := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if req != nil && req.RequireTag != "" && !ep.HasTag(req.RequireTag) {
			continue
		}
		if b := r.breakers[ep.Name]; b != nil && !b.Allow() {
			continue
		}
		allowed = append(allowed, ep)
	}

	if len(allowed) == 0 {
		if r.fallback != nil {
			return []*Endpoint{r.fallback}, nil
		}
		return nil, ErrNoEndpointsAvailable
	}

	switch r.strategy {
	case StrategyLatency:
		return r.orderByLatency(allowed), nil
	case StrategyWeighted:
		return r.orderByWeight(allowed), nil
	case StrategyRandom:
		return r.orderRandom(allowed), nil
	default:
		return r.orderRoundRobin(allowed), nil
	}
}

// orderRoundRobin rotates the allowed set by a shared index, so over K
// consecutive selections each of K allowed endpoints leads exactly once.
func (r *Router) orderRoundRobin(allowed []*Endpoint) []*Endpoint {
	idx := atomic.AddUint64(&r.rr, 1) - 1
	return rotate(allowed, int(idx%uint64(len(allowed))))
}

// orderByLatency sorts ascending by EWMA. Endpoints without samples keep a
// zero EWMA and sort first, so fresh endpoints get traffic. Ties are broken
// by the shared round-robin index to avoid starvation.
func (r *Router) orderByLatency(allowed []*Endpoint) []*Endpoint {
	idx := atomic.AddUint64(&r.rr, 1) - 1
	ordered := rotate(allowed, int(idx%uint64(len(allowed))))
	sort.SliceStable(ordered, func(i, j int) bool {
		return r.latency.EWMA(ordered[i].Name) < r.latency.EWMA(ordered[j].Name)
	})
	return ordered
}

// orderByWeight performs repeated probability-proportional-to-weight draws
// without replacement, recomputed per request.
func (r *Router) orderByWeight(allowed []*Endpoint) []*Endpoint {
	pool := make([]*Endpoint, len(allowed))
	copy(pool, allowed)
	ordered := make([]*Endpoint, 0, len(pool))

	r.rngMu.Lock()
	defer r.rngMu.Unlock()

	for len(pool) > 0 {
		total := 0
		for _, ep := range pool {
			total += weightOf(ep)
		}
		pick := r.rng.Intn(total)
		for i, ep := range pool {
			pick -= weightOf(ep)
			if pick < 0 {
				ordered = append(ordered, ep)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
	return ordered
}

func (r *Router) orderRandom(allowed []*Endpoint) []*Endpoint {
	ordered := make([]*Endpoint, len(allowed))

	r.rngMu.Lock()
	perm := r.rng.Perm(len(allowed))
	r.rngMu.Unlock()

	for i, j := range perm {
		ordered[i] = allowed[j]
	}
	return ordered
}

func rotate(endpoints []*Endpoint, start int) []*Endpoint {
	ordered := make([]*Endpoint, 0, len(endpoints))
	ordered = append(ordered, endpoints[start:]...)
	ordered = append(ordered, endpoints[:start]...)
	return ordered
}

func weightOf(ep *Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}
