package runicrpc

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	internalbackoff "github.com/runicRPC/runicRPC/internal/backoff"
)

// Client routes logical requests across a set of interchangeable upstream
// endpoints, layering circuit breaking, rate limiting, caching,
// de-duplication, retries with failover, health probing, events and metrics
// around a pluggable Transport. It is safe for concurrent use and holds no
// per-request state: all health, latency and cache data lives in shared
// per-endpoint cells.
type Client struct {
	transport  Transport
	stream     StreamTransport
	middleware []Middleware

	endpoints []*Endpoint
	fallback  *Endpoint
	strategy  Strategy

	router   *Router
	breakers map[string]*CircuitBreaker
	buckets  map[string]*TokenBucket
	monitor  *HealthMonitor

	breakerConfig   CircuitBreakerConfig
	bucketRate      float64
	bucketBurst     int
	bucketOverrides map[string][2]float64 // name -> {ratePerSec, burst}
	globalLimiter   *rate.Limiter

	latencyAlpha   float64
	latencyPenalty float64

	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   BackoffStrategy
	backoffCalc       *internalbackoff.Calculator
	retryBudget       *RetryBudget

	requestTimeout time.Duration
	attemptTimeout time.Duration

	cache          Cache
	cacheTTL       time.Duration
	cacheKeyFunc   KeyFunc
	cacheCondition CacheCondition

	dedup          *DeduplicationTracker
	dedupKeyFunc   KeyFunc
	dedupCondition DeduplicationCondition

	probeInterval time.Duration
	probeTimeout  time.Duration
	probeRequest  *Request
	monitorOff    bool

	metrics *MetricsCollector
	events  EventSink
	logger  Logger
	debug   *DebugConfig
	clk     clock.Clock

	validationError error
}

// New constructs a Client using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for errors.
// A client with zero configured endpoints fails every Call with
// ErrNoEndpointsConfigured.
func New(options ...Option) *Client {
	c := &Client{
		transport:         NewHTTPTransport(),
		stream:            NewWSTransport(),
		strategy:          StrategyRoundRobin,
		latencyAlpha:      0.2,
		latencyPenalty:    2.0,
		maxRetries:        3,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.1,
		backoffStrategy:   ExponentialJitter,
		requestTimeout:    30 * time.Second,
		attemptTimeout:    10 * time.Second,
		cacheTTL:          30 * time.Second,
		cacheKeyFunc:      DefaultKeyFunc,
		cacheCondition:    DefaultCacheCondition,
		dedupKeyFunc:      DefaultKeyFunc,
		probeInterval:     10 * time.Second,
		probeTimeout:      2 * time.Second,
		debug:             DefaultDebugConfig(),
		clk:               clock.New(),
	}

	for _, option := range options {
		option(c)
	}

	if err := c.ValidateConfiguration(); err != nil {
		c.validationError = err
	}

	c.assemble()

	return c
}

// assemble builds the per-endpoint state cells and the router once the
// options have settled. Every cell serializes independently: operations on
// one endpoint never block another.
func (c *Client) assemble() {
	if c.dedupCondition == nil {
		c.dedupCondition = DeduplicationCondition(c.cacheCondition)
	}
	if c.debug == nil {
		c.debug = DefaultDebugConfig()
	}

	all := make([]*Endpoint, 0, len(c.endpoints)+1)
	all = append(all, c.endpoints...)
	if c.fallback != nil {
		all = append(all, c.fallback)
	}

	c.breakers = make(map[string]*CircuitBreaker, len(all))
	c.buckets = make(map[string]*TokenBucket, len(all))
	for _, ep := range all {
		name := ep.Name
		breaker := NewCircuitBreaker(c.breakerConfig)
		breaker.OnStateChange(func(from, to CircuitState) {
			c.onCircuitTransition(name, from, to)
		})
		c.breakers[name] = breaker

		bucketRate, bucketBurst := c.bucketRate, c.bucketBurst
		if override, ok := c.bucketOverrides[name]; ok {
			bucketRate, bucketBurst = override[0], int(override[1])
		}
		if bucketRate > 0 {
			c.buckets[name] = NewTokenBucket(bucketRate, bucketBurst)
		}
	}

	latency := NewLatencyTracker(c.latencyAlpha, c.latencyPenalty, all)
	c.router = NewRouter(c.endpoints, c.fallback, c.strategy, c.breakers, latency)

	switch c.backoffStrategy {
	case DecorrelatedJitter:
		c.backoffCalc = internalbackoff.NewCalculator(internalbackoff.DecorrelatedJitter{},
			c.initialBackoff, c.maxBackoff, c.backoffMultiplier, c.jitter)
	default:
		c.backoffCalc = internalbackoff.NewCalculator(internalbackoff.ExponentialJitter{},
			c.initialBackoff, c.maxBackoff, c.backoffMultiplier, c.jitter)
	}

	if !c.monitorOff && len(c.endpoints) > 0 {
		c.monitor = NewHealthMonitor(c.probeInterval, c.probeTimeout, c.probeRequest,
			TransportFunc(c.invoke), all, c.breakers, latency, c.metrics, c.logger, c.debug, c.clk)
	}
}

// Start launches the background health monitor. It returns immediately;
// probe loops run until Close or ctx cancellation.
func (c *Client) Start(ctx context.Context) {
	if c.monitor != nil {
		c.monitor.Start(ctx)
	}
}

// Close stops the health monitor and waits for in-flight probes to settle.
func (c *Client) Close() {
	if c.monitor != nil {
		c.monitor.Stop()
	}
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// Router exposes the endpoint registry and latency statistics.
func (c *Client) Router() *Router { return c.router }

// Call executes one logical request applying all reliability features:
// cache lookup, de-duplication, candidate selection, rate limiting,
// failover with backoff, health bookkeeping and event emission.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	if req == nil || req.Method == "" {
		return nil, &RouteError{Type: ErrorTypeValidation, Message: "request method required", Timestamp: time.Now()}
	}

	start := time.Now()

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}
	if c.debugOn(c.debug.LogRequests) {
		c.logger.Debug("Starting request", "requestID", requestID, "method", req.Method)
	}

	c.metrics.RecordRequestStart(req.Method)
	defer c.metrics.RecordRequestEnd(req.Method)

	cacheEnabled := c.shouldCacheRequest(ctx, req)
	var cacheKey string
	if cacheEnabled {
		cacheKey = c.cacheKeyFunc(req)
		if entry, found := c.cache.Get(cacheKey); found {
			c.emit(Event{Type: EventCacheHit, Method: req.Method, Fingerprint: cacheKey})
			c.metrics.RecordCacheHit(req.Method)
			c.metrics.RecordRequest(req.Method, entry.Endpoint, "cache_hit", time.Since(start))
			if c.debugOn(c.debug.LogCache) {
				c.logger.Debug("Cache hit", "requestID", requestID, "fingerprint", cacheKey)
			}
			return &Response{Result: entry.Result, Endpoint: entry.Endpoint, FromCache: true}, nil
		}
		c.emit(Event{Type: EventCacheMiss, Method: req.Method, Fingerprint: cacheKey})
		c.metrics.RecordCacheMiss(req.Method)
	}

	dedupEnabled := c.dedup != nil && c.dedupCondition != nil && c.dedupCondition(req)
	var dedupKey string
	var dedupEntry *DeduplicationEntry
	isLeader := true
	if dedupEnabled {
		dedupKey = c.dedupKeyFunc(req)
		dedupEntry, isLeader = c.dedup.GetOrCreateEntry(dedupKey)
		if !isLeader {
			c.metrics.RecordDeduplicationHit(req.Method)
			if c.debugOn(c.debug.LogRequests) {
				c.logger.Debug("Joined in-flight request", "requestID", requestID, "fingerprint", dedupKey)
			}
			resp, err := dedupEntry.Wait(ctx)
			c.recordSettled(req.Method, resp, err, start)
			return resp, err
		}
	}

	resp, err := c.execute(ctx, req, requestID, start)

	// The cache is best-effort: a store that cannot happen is dropped,
	// never surfaced as a request error.
	if cacheEnabled && err == nil && resp != nil {
		c.cache.Set(cacheKey, &CacheEntry{
			Result:   resp.Result,
			Endpoint: resp.Endpoint,
			Size:     len(resp.Result),
		}, c.cacheTTLForRequest(ctx))
		c.metrics.RecordCacheSize(c.cache.Len())
		if c.debugOn(c.debug.LogCache) {
			c.logger.Debug("Response cached", "requestID", requestID, "fingerprint", cacheKey)
		}
	}

	if dedupEnabled && isLeader {
		c.dedup.Complete(dedupKey, resp, err)
	}

	c.recordSettled(req.Method, resp, err, start)
	return resp, err
}

func (c *Client) recordSettled(method string, resp *Response, err error, start time.Time) {
	endpoint := ""
	if resp != nil {
		endpoint = resp.Endpoint
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.metrics.RecordRequest(method, endpoint, outcome, time.Since(start))
}

// execute is the leader path: candidate selection, per-candidate rate limit
// checks, transport invocation and retry/failover with backoff.
func (c *Client) execute(ctx context.Context, req *Request, requestID string, start time.Time) (*Response, error) {
	if c.requestTimeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()
		}
	}

	if c.globalLimiter != nil && !c.globalLimiter.Allow() {
		if c.debugOn(c.debug.LogRateLimit) {
			c.logger.Warn("Global rate limit exceeded", "requestID", requestID, "method", req.Method)
		}
		c.metrics.RecordError(ErrorTypeRateLimit, req.Method, "")
		return nil, c.newRouteError(ErrorTypeRateLimit, "global rate limit exceeded", ErrRateLimited, requestID, req, nil, start)
	}

	deadline, _ := ctx.Deadline()
	rc := newRetryContext(c.maxRetries+1, deadline)
	lastEndpoint := ""

	for {
		candidates, selErr := c.router.SelectCandidates(req)
		if selErr != nil {
			if len(rc.attempts) > 0 {
				return nil, c.exhaustedError(requestID, req, rc, start)
			}
			c.metrics.RecordError(ErrorTypeUnavailable, req.Method, "")
			return nil, c.newRouteError(ErrorTypeUnavailable, "no endpoint available", selErr, requestID, req, rc, start)
		}

		attempted := false
		for _, ep := range candidates {
			if rc.exhausted() {
				return nil, c.exhaustedError(requestID, req, rc, start)
			}
			if ctx.Err() != nil {
				return nil, c.timeoutError(requestID, req, rc, start, ctx.Err())
			}

			if bucket := c.buckets[ep.Name]; bucket != nil {
				if !bucket.TryAcquire(1) {
					// Deny is not a health failure: skip to the next
					// candidate without touching the breaker.
					rc.record(ep.Name, ErrRateLimited)
					if c.debugOn(c.debug.LogRateLimit) {
						c.logger.Warn("Endpoint rate limited", "requestID", requestID, "endpoint", ep.Name)
					}
					c.metrics.RecordError(ErrorTypeUnavailable, req.Method, ep.Name)
					continue
				}
				c.metrics.RecordTokens(ep.Name, bucket.Tokens())
			}

			if lastEndpoint != "" && lastEndpoint != ep.Name {
				c.emit(Event{Type: EventFailover, From: lastEndpoint, To: ep.Name, Method: req.Method})
				c.metrics.RecordFailover(lastEndpoint, ep.Name)
			}
			if rc.attempt > 0 {
				c.metrics.RecordRetry(req.Method, ep.Name)
				if c.debugOn(c.debug.LogRetries) {
					c.logger.Info("Retry attempt", "requestID", requestID, "attempt", rc.attempt, "endpoint", ep.Name)
				}
			}

			attempted = true
			rc.attempt++
			lastEndpoint = ep.Name

			resp, err := c.attemptCall(ctx, ep, req)
			if err == nil {
				return resp, nil
			}
			rc.record(ep.Name, err)
			c.emit(Event{Type: EventRequestFailure, Method: req.Method, Endpoint: ep.Name, Reason: err.Error()})

			var provErr *ProviderError
			if errors.As(err, &provErr) && !provErr.Transient() {
				// Deterministic application-level error from a healthy
				// endpoint: retrying elsewhere cannot change it.
				c.metrics.RecordError(ErrorTypeProvider, req.Method, ep.Name)
				routeErr := c.newRouteError(ErrorTypeProvider, "provider rejected request", err, requestID, req, rc, start)
				routeErr.Endpoint = ep.Name
				return nil, routeErr
			}

			if rc.exhausted() {
				break
			}
			if c.retryBudget != nil && !c.retryBudget.Allow() {
				c.metrics.RecordRetryBudgetExceeded(ep.Name)
				if c.debugOn(c.debug.LogRetries) {
					c.logger.Warn("Retry budget exceeded", "requestID", requestID, "endpoint", ep.Name)
				}
				return nil, c.newRouteError(ErrorTypeRetryBudgetExceeded, "retry budget exceeded", ErrRetryBudgetExceeded, requestID, req, rc, start)
			}
			delay := c.backoffCalc.Delay(rc.attempt - 1)
			if rc.expired(time.Now().Add(delay)) {
				// The backoff cannot complete before the request deadline,
				// so give up now instead of sleeping into it.
				return nil, c.timeoutError(requestID, req, rc, start, context.DeadlineExceeded)
			}
			if !sleepCtx(ctx, delay) {
				return nil, c.timeoutError(requestID, req, rc, start, ctx.Err())
			}
		}

		if rc.exhausted() || !attempted {
			return nil, c.exhaustedError(requestID, req, rc, start)
		}
		// Re-select: rankings now reflect the outcomes just recorded, so a
		// re-opened breaker or a recovered endpoint changes the next round.
	}
}

// attemptCall performs one bounded transport invocation and feeds the
// outcome into the breaker and latency statistics. A well-formed provider
// error comes from a healthy endpoint and counts as a health success; its
// latency is recorded unpenalized.
func (c *Client) attemptCall(ctx context.Context, ep *Endpoint, req *Request) (*Response, error) {
	attemptCtx := ctx
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.invoke(attemptCtx, ep, req)
	elapsed := time.Since(start)

	var provErr *ProviderError
	healthy := err == nil || errors.As(err, &provErr)

	if breaker := c.breakers[ep.Name]; breaker != nil {
		breaker.RecordOutcome(healthy)
	}
	c.router.Observe(ep.Name, elapsed, healthy)

	if err == nil {
		c.emit(Event{Type: EventRequestSuccess, Method: req.Method, Endpoint: ep.Name, Latency: elapsed})
	} else if !healthy {
		c.metrics.RecordError(ErrorTypeTransport, req.Method, ep.Name)
	}
	return resp, err
}

// invoke runs the middleware chain ending at the transport.
func (c *Client) invoke(ctx context.Context, ep *Endpoint, req *Request) (*Response, error) {
	if len(c.middleware) == 0 {
		return c.transport.Call(ctx, ep, req)
	}

	current := TransportFunc(c.transport.Call)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := current
		current = func(ctx context.Context, ep *Endpoint, req *Request) (*Response, error) {
			return mw(ctx, ep, req, next)
		}
	}
	return current(ctx, ep, req)
}

// Subscribe opens a streaming subscription on the best available endpoint
// advertising a WebSocket URL, failing over on dial errors.
func (c *Client) Subscribe(ctx context.Context, topic string, params []any) (*Subscription, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	if c.stream == nil {
		return nil, &RouteError{Type: ErrorTypeValidation, Message: "no stream transport configured", Timestamp: time.Now()}
	}

	candidates, err := c.router.SelectCandidates(nil)
	if err != nil {
		return nil, &RouteError{Type: ErrorTypeUnavailable, Message: "no endpoint available", Cause: err, Timestamp: time.Now()}
	}

	var lastErr error
	for _, ep := range candidates {
		if ep.WSURL == "" {
			continue
		}
		sub, err := c.stream.Subscribe(ctx, ep, topic, params)
		if err == nil {
			return sub, nil
		}
		lastErr = err
		if breaker := c.breakers[ep.Name]; breaker != nil {
			var provErr *ProviderError
			breaker.RecordOutcome(errors.As(err, &provErr))
		}
	}

	if lastErr == nil {
		lastErr = ErrNoEndpointsAvailable
	}
	return nil, &RouteError{Type: ErrorTypeUnavailable, Message: "subscribe failed on all endpoints", Cause: lastErr, Timestamp: time.Now()}
}

func (c *Client) onCircuitTransition(endpoint string, from, to CircuitState) {
	var eventType EventType
	reason := ""
	switch to {
	case StateOpen:
		eventType = EventCircuitOpen
		reason = "failure threshold reached"
		if from == StateHalfOpen {
			reason = "trial request failed"
		}
	case StateHalfOpen:
		eventType = EventCircuitHalfOpen
	case StateClosed:
		eventType = EventCircuitClosed
	default:
		return
	}
	c.emit(Event{Type: eventType, Endpoint: endpoint, Reason: reason})
	c.metrics.RecordCircuitState(endpoint, to)
	if c.debugOn(c.debug.LogCircuit) {
		c.logger.Info("Circuit transition", "endpoint", endpoint, "from", from.String(), "to", to.String())
	}
}

func (c *Client) debugOn(flag bool) bool {
	return c.debug != nil && c.debug.Enabled && flag && c.logger != nil
}

func (c *Client) newRouteError(errType, message string, cause error, requestID string, req *Request, rc *retryContext, start time.Time) *RouteError {
	e := &RouteError{
		Type:        errType,
		Message:     message,
		Cause:       cause,
		RequestID:   requestID,
		Method:      req.Method,
		MaxAttempts: c.maxRetries + 1,
		Timestamp:   time.Now(),
		Duration:    time.Since(start),
	}
	if rc != nil {
		e.Attempt = rc.attempt
		e.Attempts = rc.attempts
	}
	return e
}

func (c *Client) exhaustedError(requestID string, req *Request, rc *retryContext, start time.Time) *RouteError {
	var combined error
	for _, a := range rc.attempts {
		combined = multierr.Append(combined, a)
	}
	c.metrics.RecordError(ErrorTypeExhausted, req.Method, "")
	return c.newRouteError(ErrorTypeExhausted, "all endpoints exhausted", combined, requestID, req, rc, start)
}

func (c *Client) timeoutError(requestID string, req *Request, rc *retryContext, start time.Time, cause error) *RouteError {
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	c.metrics.RecordError(ErrorTypeTimeout, req.Method, "")
	return c.newRouteError(ErrorTypeTimeout, "request deadline elapsed", cause, requestID, req, rc, start)
}

// sleepCtx waits for d or until ctx is done, reporting whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
