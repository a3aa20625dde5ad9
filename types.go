package runicrpc

import (
	"context"
	"encoding/json"
	"time"
)

// Endpoint identifies a single upstream provider. Endpoints are immutable
// after configuration load; the router owns the registry.
type Endpoint struct {
	// Name uniquely identifies the endpoint in metrics, events and errors.
	Name string
	// URL is the HTTP(S) JSON-RPC entry point.
	URL string
	// WSURL is the optional WebSocket entry point used for subscriptions.
	WSURL string
	// Weight biases the weighted selection strategy. Zero means 1.
	Weight int
	// Tags are free-form capability flags (e.g. "archive", "trace").
	// Requests carrying RequireTag are only routed to matching endpoints.
	Tags []string
}

// HasTag reports whether the endpoint advertises the given capability tag.
func (e *Endpoint) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Request is one logical RPC call. Params must be JSON-serializable.
type Request struct {
	Method string
	Params []any
	// RequireTag restricts candidate endpoints to those advertising the tag.
	RequireTag string
}

// Response is the outcome of a successfully routed request.
type Response struct {
	// Result is the raw result payload as returned by the upstream.
	Result json.RawMessage
	// Endpoint names the upstream that served the request. Empty for
	// cache hits.
	Endpoint string
	// FromCache reports whether the response was served from the cache.
	FromCache bool
}

// Transport executes a single request against a single endpoint. The router
// core treats it as an opaque capability; implementations own wire encoding,
// connection pooling and TLS. Call must honor ctx cancellation and return a
// *ProviderError for well-formed upstream error responses so the caller can
// distinguish them from transport failures.
type Transport interface {
	Call(ctx context.Context, endpoint *Endpoint, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, endpoint *Endpoint, req *Request) (*Response, error)

// Call implements Transport.
func (f TransportFunc) Call(ctx context.Context, endpoint *Endpoint, req *Request) (*Response, error) {
	return f(ctx, endpoint, req)
}

// Middleware wraps transport invocation for cross-cutting concerns.
type Middleware func(ctx context.Context, endpoint *Endpoint, req *Request, next TransportFunc) (*Response, error)

// Strategy selects how the router ranks allowed endpoints. The set is closed
// and configuration-driven.
type Strategy int

const (
	// StrategyRoundRobin cycles fairly over the allowed set.
	StrategyRoundRobin Strategy = iota
	// StrategyLatency prefers endpoints with the lowest latency EWMA.
	StrategyLatency
	// StrategyWeighted draws endpoints proportionally to their static weight.
	StrategyWeighted
	// StrategyRandom returns a uniform random permutation.
	StrategyRandom
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyRoundRobin:
		return "round-robin"
	case StrategyLatency:
		return "latency-based"
	case StrategyWeighted:
		return "weighted"
	case StrategyRandom:
		return "random"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration shared by all
// per-endpoint breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// a closed breaker.
	FailureThreshold int
	// OpenTimeout is how long an opened breaker blocks traffic before
	// admitting trial requests.
	OpenTimeout time.Duration
	// MaxOpenTimeout caps the exponential growth of OpenTimeout applied
	// when a half-open trial fails. Zero disables growth.
	MaxOpenTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// needed to close the breaker again.
	SuccessThreshold int
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CacheEntry represents a cached response payload.
type CacheEntry struct {
	Result     json.RawMessage
	Endpoint   string
	Size       int
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// Cache is the response cache interface. Implementations must be safe for
// concurrent use and must treat expired entries as misses.
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry, ttl time.Duration)
	Delete(key string)
	Clear()
	Len() int
}

// CacheCondition decides whether a request's response is eligible for
// caching. The cache itself is policy-agnostic: the caller declares
// cacheability for read-only, deterministic-given-state methods.
type CacheCondition func(req *Request) bool

// DeduplicationCondition decides whether a request may be coalesced with
// identical concurrent in-flight requests. Only idempotent methods should
// qualify; non-idempotent calls must always execute independently.
type DeduplicationCondition func(req *Request) bool

// KeyFunc derives a deterministic fingerprint for a request, identifying
// cacheable/dedup-able calls.
type KeyFunc func(req *Request) string

// Context keys for per-request cache control.
type contextKey string

const (
	// CacheControlKey carries a *CacheControl override on the context.
	CacheControlKey contextKey = "runicrpc_cache_control"
)

// CacheControl holds per-request cache override options.
type CacheControl struct {
	Enabled bool
	TTL     time.Duration
}

// Option represents a configuration option for New.
type Option func(*Client)

// Logger is the minimal structured logging interface consumed by the
// library. Key-value pairs alternate in kv.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// DebugConfig controls which lifecycle stages emit debug logs.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogRetries   bool
	LogCache     bool
	LogCircuit   bool
	LogRateLimit bool
	LogProbes    bool
	RequestIDGen func() string
}
