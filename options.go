package runicrpc

import (
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WithEndpoints configures the upstream endpoint set. Order is preserved and
// matters for round-robin fairness.
func WithEndpoints(endpoints ...*Endpoint) Option {
	return func(c *Client) {
		c.endpoints = endpoints
	}
}

// WithFallback designates a last-resort endpoint used only when every
// regular candidate is filtered out. The fallback keeps its own breaker and
// statistics but is exempt from the breaker filter when it is the sole
// remaining option.
func WithFallback(ep *Endpoint) Option {
	return func(c *Client) {
		c.fallback = ep
	}
}

// WithStrategy selects the candidate ordering strategy.
func WithStrategy(strategy Strategy) Option {
	return func(c *Client) {
		c.strategy = strategy
	}
}

// WithTransport replaces the default HTTP transport.
func WithTransport(transport Transport) Option {
	return func(c *Client) {
		c.transport = transport
	}
}

// WithStreamTransport replaces the default WebSocket stream transport.
func WithStreamTransport(stream StreamTransport) Option {
	return func(c *Client) {
		c.stream = stream
	}
}

// WithMiddleware appends middleware to the transport chain. Middleware runs
// in registration order, outermost first.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithMaxRetries sets the number of retries after the initial attempt.
func WithMaxRetries(maxRetries int) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
	}
}

// WithInitialBackoff sets the base delay before the first retry.
func WithInitialBackoff(backoff time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = backoff
	}
}

// WithMaxBackoff caps the retry delay.
func WithMaxBackoff(backoff time.Duration) Option {
	return func(c *Client) {
		c.maxBackoff = backoff
	}
}

// WithBackoffMultiplier sets the exponential growth factor between retries.
func WithBackoffMultiplier(multiplier float64) Option {
	return func(c *Client) {
		c.backoffMultiplier = multiplier
	}
}

// WithJitter sets the jitter factor in [0, 1] applied to retry delays.
func WithJitter(jitter float64) Option {
	return func(c *Client) {
		c.jitter = jitter
	}
}

// WithBackoffStrategy selects the delay algorithm for retries.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(c *Client) {
		c.backoffStrategy = strategy
	}
}

// WithRetryBudget caps total retries across all requests to maxRetries per
// window, preventing retry storms against a degraded upstream set.
func WithRetryBudget(maxRetries int, window time.Duration) Option {
	return func(c *Client) {
		c.retryBudget = NewRetryBudget(maxRetries, window)
	}
}

// WithAttemptTimeout bounds each individual transport attempt.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.attemptTimeout = timeout
	}
}

// WithRequestTimeout bounds the whole logical request, retries and backoff
// included. Ignored when the caller's context already carries a deadline.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithCircuitBreaker configures the per-endpoint circuit breakers.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakerConfig = config
	}
}

// WithRateLimit gives every endpoint a token bucket refilled at ratePerSec
// with the given burst capacity. Zero rate disables per-endpoint limiting.
func WithRateLimit(ratePerSec float64, burst int) Option {
	return func(c *Client) {
		c.bucketRate = ratePerSec
		c.bucketBurst = burst
	}
}

// WithEndpointRateLimit overrides the token bucket for one endpoint.
func WithEndpointRateLimit(endpoint string, ratePerSec float64, burst int) Option {
	return func(c *Client) {
		if c.bucketOverrides == nil {
			c.bucketOverrides = make(map[string][2]float64)
		}
		c.bucketOverrides[endpoint] = [2]float64{ratePerSec, float64(burst)}
	}
}

// WithGlobalRateLimit applies a client-wide limiter in front of candidate
// selection. Denied requests fail immediately with a RateLimit error.
func WithGlobalRateLimit(ratePerSec float64, burst int) Option {
	return func(c *Client) {
		c.globalLimiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
}

// WithLatencyTracking tunes the EWMA smoothing factor and the failure
// penalty multiplier used by the latency-based strategy.
func WithLatencyTracking(alpha, penalty float64) Option {
	return func(c *Client) {
		c.latencyAlpha = alpha
		c.latencyPenalty = penalty
	}
}

// WithCache enables the built-in sharded LRU response cache with the given
// default TTL.
func WithCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = NewInMemoryCache(0)
		c.cacheTTL = ttl
	}
}

// WithCustomCache plugs in an alternative cache implementation.
func WithCustomCache(cache Cache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithCacheKeyFunc overrides the request fingerprint function for caching.
func WithCacheKeyFunc(fn KeyFunc) Option {
	return func(c *Client) {
		c.cacheKeyFunc = fn
	}
}

// WithCacheCondition sets the predicate deciding which requests may be
// served from and stored into the cache.
func WithCacheCondition(cond CacheCondition) Option {
	return func(c *Client) {
		c.cacheCondition = cond
	}
}

// WithDeduplication coalesces identical concurrent in-flight requests onto
// a single transport call.
func WithDeduplication() Option {
	return func(c *Client) {
		c.dedup = NewDeduplicationTracker()
	}
}

// WithDeduplicationCondition sets the predicate deciding which requests may
// be coalesced. Defaults to the cache condition.
func WithDeduplicationCondition(cond DeduplicationCondition) Option {
	return func(c *Client) {
		c.dedupCondition = cond
	}
}

// WithDeduplicationKeyFunc overrides the fingerprint function used to match
// in-flight requests.
func WithDeduplicationKeyFunc(fn KeyFunc) Option {
	return func(c *Client) {
		c.dedupKeyFunc = fn
	}
}

// WithHealthProbe configures the background probe interval, per-probe
// timeout and the probe request itself.
func WithHealthProbe(interval, timeout time.Duration, probe *Request) Option {
	return func(c *Client) {
		c.probeInterval = interval
		c.probeTimeout = timeout
		c.probeRequest = probe
	}
}

// WithoutHealthMonitor disables background probing entirely.
func WithoutHealthMonitor() Option {
	return func(c *Client) {
		c.monitorOff = true
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector plugs in a pre-built collector, e.g. one bound to a
// private registry.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithEvents sets the sink receiving lifecycle events. The sink must not
// block; slow consumers should buffer or drop.
func WithEvents(sink EventSink) Option {
	return func(c *Client) {
		c.events = sink
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithZapLogger adapts a zap logger to the Logger interface.
func WithZapLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = NewZapLogger(logger)
	}
}

// WithSimpleLogger installs the built-in stderr logger.
func WithSimpleLogger() Option {
	return func(c *Client) {
		c.logger = NewSimpleLogger()
	}
}

// WithDebug enables debug logging for all lifecycle stages.
func WithDebug() Option {
	return func(c *Client) {
		cfg := DefaultDebugConfig()
		cfg.Enabled = true
		c.debug = cfg
		if c.logger == nil {
			c.logger = NewSimpleLogger()
		}
	}
}

// WithDebugConfig sets fine-grained debug logging configuration.
func WithDebugConfig(cfg *DebugConfig) Option {
	return func(c *Client) {
		c.debug = cfg
	}
}

// WithRequestIDGenerator overrides the correlation ID generator used when
// debug logging is enabled.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// WithClock injects the clock driving the health monitor timers. Intended
// for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clk = clk
	}
}

// ValidateConfiguration checks the assembled options for consistency and
// returns a single error describing every problem found.
func (c *Client) ValidateConfiguration() error {
	var errs []string

	errs = append(errs, c.validateEndpoints()...)
	errs = append(errs, c.validateRetry()...)
	errs = append(errs, c.validateTimeouts()...)
	errs = append(errs, c.validateBreaker()...)
	errs = append(errs, c.validateRateLimits()...)
	errs = append(errs, c.validateCache()...)

	if len(errs) == 0 {
		return nil
	}

	cause := fmt.Errorf("%s", strings.Join(errs, "; "))
	if len(c.endpoints) == 0 {
		cause = multierr.Append(ErrNoEndpointsConfigured, cause)
	}
	return &RouteError{
		Type:      ErrorTypeValidation,
		Message:   fmt.Sprintf("invalid configuration: %d error(s)", len(errs)),
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func (c *Client) validateEndpoints() []string {
	var errs []string
	if len(c.endpoints) == 0 {
		errs = append(errs, "at least one endpoint must be configured")
	}
	seen := make(map[string]bool, len(c.endpoints)+1)
	for i, ep := range c.endpoints {
		switch {
		case ep == nil:
			errs = append(errs, fmt.Sprintf("endpoint %d is nil", i))
			continue
		case ep.Name == "":
			errs = append(errs, fmt.Sprintf("endpoint %d has no name", i))
		case seen[ep.Name]:
			errs = append(errs, fmt.Sprintf("duplicate endpoint name %q", ep.Name))
		}
		seen[ep.Name] = true
		if ep.URL == "" {
			errs = append(errs, fmt.Sprintf("endpoint %q has no URL", ep.Name))
		}
		if ep.Weight < 0 {
			errs = append(errs, fmt.Sprintf("endpoint %q has negative weight", ep.Name))
		}
	}
	if c.fallback != nil {
		if c.fallback.Name == "" {
			errs = append(errs, "fallback endpoint has no name")
		} else if seen[c.fallback.Name] {
			errs = append(errs, fmt.Sprintf("fallback name %q collides with a regular endpoint", c.fallback.Name))
		}
		if c.fallback.URL == "" {
			errs = append(errs, "fallback endpoint has no URL")
		}
	}
	if c.strategy < StrategyRoundRobin || c.strategy > StrategyRandom {
		errs = append(errs, fmt.Sprintf("unknown strategy %d", c.strategy))
	}
	return errs
}

func (c *Client) validateRetry() []string {
	var errs []string
	if c.maxRetries < 0 {
		errs = append(errs, "MaxRetries must be >= 0")
	}
	if c.initialBackoff <= 0 {
		errs = append(errs, "InitialBackoff must be > 0")
	}
	if c.maxBackoff < c.initialBackoff {
		errs = append(errs, "MaxBackoff must be >= InitialBackoff")
	}
	if c.backoffMultiplier < 1 {
		errs = append(errs, "BackoffMultiplier must be >= 1")
	}
	if c.jitter < 0 || c.jitter > 1 {
		errs = append(errs, "Jitter must be in [0, 1]")
	}
	return errs
}

func (c *Client) validateTimeouts() []string {
	var errs []string
	if c.attemptTimeout < 0 {
		errs = append(errs, "AttemptTimeout must be >= 0")
	}
	if c.requestTimeout < 0 {
		errs = append(errs, "RequestTimeout must be >= 0")
	}
	if c.attemptTimeout > 0 && c.requestTimeout > 0 && c.attemptTimeout > c.requestTimeout {
		errs = append(errs, "AttemptTimeout must not exceed RequestTimeout")
	}
	return errs
}

func (c *Client) validateBreaker() []string {
	var errs []string
	if c.breakerConfig.FailureThreshold < 0 {
		errs = append(errs, "CircuitBreaker.FailureThreshold must be >= 0")
	}
	if c.breakerConfig.OpenTimeout < 0 {
		errs = append(errs, "CircuitBreaker.OpenTimeout must be >= 0")
	}
	if c.breakerConfig.SuccessThreshold < 0 {
		errs = append(errs, "CircuitBreaker.SuccessThreshold must be >= 0")
	}
	if c.breakerConfig.MaxOpenTimeout != 0 && c.breakerConfig.MaxOpenTimeout < c.breakerConfig.OpenTimeout {
		errs = append(errs, "CircuitBreaker.MaxOpenTimeout must be >= OpenTimeout")
	}
	return errs
}

func (c *Client) validateRateLimits() []string {
	var errs []string
	if c.bucketRate < 0 {
		errs = append(errs, "RateLimit rate must be >= 0")
	}
	if c.bucketRate > 0 && c.bucketBurst <= 0 {
		errs = append(errs, "RateLimit burst must be > 0 when a rate is set")
	}
	for name, override := range c.bucketOverrides {
		if override[0] <= 0 || override[1] <= 0 {
			errs = append(errs, fmt.Sprintf("rate limit override for %q must have positive rate and burst", name))
		}
	}
	return errs
}

func (c *Client) validateCache() []string {
	var errs []string
	if c.cache != nil && c.cacheTTL <= 0 {
		errs = append(errs, "cache TTL must be > 0 when caching is enabled")
	}
	if c.cacheKeyFunc == nil {
		errs = append(errs, "cache key function must not be nil")
	}
	return errs
}
