package runicrpc

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreaker is the per-endpoint health state machine. RecordOutcome is
// the sole mutator and serializes under a mutex so concurrent outcomes can
// never produce an invalid state combination; Allow is a pure query served
// from atomic snapshots and never blocks.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu             sync.Mutex
	state          int64 // CircuitState, read atomically by Allow
	openUntil      int64 // unix nanos, set iff state == StateOpen
	failures       int
	successes      int
	currentTimeout time.Duration
	lastTransition time.Time

	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a breaker in the closed state with zero counters.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}

	return &CircuitBreaker{
		config:         config,
		state:          int64(StateClosed),
		currentTimeout: config.OpenTimeout,
		lastTransition: time.Now(),
	}
}

// OnStateChange registers a hook invoked on every state transition. The hook
// runs while the transition lock is held and must not block. Set before the
// breaker is shared.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.onStateChange = fn
}

// Allow reports whether a request may be sent to the endpoint. It is
// side-effect free: an open breaker whose deadline has passed admits the
// caller as a trial request, and the half-open transition itself is applied
// by the next RecordOutcome.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		return time.Now().UnixNano() >= atomic.LoadInt64(&cb.openUntil)
	default:
		return false
	}
}

// State returns the current phase.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// OpenUntil returns the deadline before which an open breaker blocks
// traffic, or the zero time if the breaker is not open.
func (cb *CircuitBreaker) OpenUntil() time.Time {
	nanos := atomic.LoadInt64(&cb.openUntil)
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// RecordOutcome feeds one request or probe outcome into the state machine.
func (cb *CircuitBreaker) RecordOutcome(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := CircuitState(atomic.LoadInt64(&cb.state))

	// An outcome arriving after the open deadline belongs to a trial
	// request admitted by Allow: enter half-open before applying it.
	if state == StateOpen && now.UnixNano() >= atomic.LoadInt64(&cb.openUntil) {
		cb.successes = 0
		atomic.StoreInt64(&cb.openUntil, 0)
		cb.transition(StateOpen, StateHalfOpen, now)
		state = StateHalfOpen
	}

	switch state {
	case StateClosed:
		if success {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.open(StateClosed, now, false)
		}
	case StateOpen:
		// Late outcome from a call dispatched before the breaker opened.
		// Counters stay untouched so the open deadline remains stable.
	case StateHalfOpen:
		if success {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.failures = 0
				cb.successes = 0
				cb.currentTimeout = cb.config.OpenTimeout
				atomic.StoreInt64(&cb.openUntil, 0)
				cb.transition(StateHalfOpen, StateClosed, now)
			}
		} else {
			cb.open(StateHalfOpen, now, true)
		}
	}
}

// open moves the breaker to the open state. A failed half-open trial grows
// the open timeout exponentially, capped at MaxOpenTimeout.
func (cb *CircuitBreaker) open(from CircuitState, now time.Time, grow bool) {
	if grow && cb.config.MaxOpenTimeout > 0 {
		cb.currentTimeout *= 2
		if cb.currentTimeout > cb.config.MaxOpenTimeout {
			cb.currentTimeout = cb.config.MaxOpenTimeout
		}
	}
	cb.successes = 0
	atomic.StoreInt64(&cb.openUntil, now.Add(cb.currentTimeout).UnixNano())
	cb.transition(from, StateOpen, now)
}

func (cb *CircuitBreaker) transition(from, to CircuitState, now time.Time) {
	atomic.StoreInt64(&cb.state, int64(to))
	cb.lastTransition = now
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
