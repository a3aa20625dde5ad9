package runicrpc

import (
	"sync/atomic"
	"time"
)

// BackoffStrategy selects the retry delay algorithm.
type BackoffStrategy int

const (
	// ExponentialJitter is exponential growth with uniform jitter.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter is AWS-style decorrelated jitter.
	DecorrelatedJitter
)

// retryContext threads one logical request's attempt history through the
// orchestration loop, making attempt count, deadline and per-endpoint
// failures inspectable independently of the loop itself. Created at request
// start, discarded at completion, never persisted.
type retryContext struct {
	maxAttempts int
	attempt     int
	deadline    time.Time
	attempts    []AttemptError
}

func newRetryContext(maxAttempts int, deadline time.Time) *retryContext {
	return &retryContext{maxAttempts: maxAttempts, deadline: deadline}
}

func (rc *retryContext) record(endpoint string, err error) {
	rc.attempts = append(rc.attempts, AttemptError{Endpoint: endpoint, Err: err})
}

func (rc *retryContext) exhausted() bool {
	return rc.attempt >= rc.maxAttempts
}

func (rc *retryContext) expired(now time.Time) bool {
	return !rc.deadline.IsZero() && !now.Before(rc.deadline)
}

// RetryBudget caps the total number of retries across all requests within a
// sliding window, so a struggling upstream set cannot amplify traffic.
type RetryBudget struct {
	maxRetries  int64
	window      time.Duration
	current     int64
	windowStart int64 // unix nanos
}

// NewRetryBudget creates a budget of maxRetries retries per window.
func NewRetryBudget(maxRetries int, window time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		window:      window,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow consumes one unit of budget, resetting the window lazily.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.window) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}
	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// Stats returns the consumed budget, the cap, and the current window start.
func (rb *RetryBudget) Stats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
