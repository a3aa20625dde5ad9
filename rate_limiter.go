package runicrpc

import (
	"sync/atomic"
	"time"
)

// TokenBucket is a lock-free per-endpoint rate limiter. Refill is lazy,
// computed on access from elapsed time, and TryAcquire never blocks: a deny
// means "endpoint temporarily unavailable" and the caller moves on to the
// next candidate.
type TokenBucket struct {
	capacity       int64
	refillInterval int64 // nanoseconds per token
	tokens         int64
	lastRefill     int64 // unix nanos
}

// NewTokenBucket creates a bucket holding capacity tokens refilled at
// ratePerSec tokens per second. The bucket starts full.
func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	interval := int64(0)
	if ratePerSec > 0 {
		interval = int64(float64(time.Second) / ratePerSec)
	}
	return &TokenBucket{
		capacity:       int64(capacity),
		refillInterval: interval,
		tokens:         int64(capacity),
		lastRefill:     time.Now().UnixNano(),
	}
}

// TryAcquire lazily refills the bucket and atomically consumes cost tokens,
// returning false without blocking when insufficient tokens remain.
func (tb *TokenBucket) TryAcquire(cost int64) bool {
	if cost <= 0 {
		cost = 1
	}
	tb.refill()
	return tb.consume(cost)
}

// Tokens returns the currently available token count after a refill pass.
func (tb *TokenBucket) Tokens() int64 {
	tb.refill()
	return atomic.LoadInt64(&tb.tokens)
}

// Capacity returns the configured maximum token count.
func (tb *TokenBucket) Capacity() int64 {
	return tb.capacity
}

func (tb *TokenBucket) refill() {
	if tb.refillInterval <= 0 {
		return
	}
	now := time.Now().UnixNano()

	for {
		currentTokens := atomic.LoadInt64(&tb.tokens)
		lastRefill := atomic.LoadInt64(&tb.lastRefill)

		elapsed := now - lastRefill
		tokensToAdd := elapsed / tb.refillInterval
		if tokensToAdd == 0 {
			return
		}

		newTokens := currentTokens + tokensToAdd
		if newTokens > tb.capacity {
			newTokens = tb.capacity
		}

		// Advance lastRefill by whole token intervals so fractional
		// progress is never lost between calls.
		newLastRefill := lastRefill + tokensToAdd*tb.refillInterval

		if !atomic.CompareAndSwapInt64(&tb.lastRefill, lastRefill, newLastRefill) {
			continue
		}

		atomic.StoreInt64(&tb.tokens, newTokens)
		return
	}
}

func (tb *TokenBucket) consume(cost int64) bool {
	for {
		currentTokens := atomic.LoadInt64(&tb.tokens)
		if currentTokens < cost {
			return false
		}
		if atomic.CompareAndSwapInt64(&tb.tokens, currentTokens, currentTokens-cost) {
			return true
		}
	}
}
