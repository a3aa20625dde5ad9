// Package backoff centralizes retry delay calculation.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before a given retry attempt.
type Strategy interface {
	Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration
}

// ExponentialJitter grows the delay geometrically and adds uniform jitter
// of up to jitter*delay, capped at max.
type ExponentialJitter struct{}

// Calculate implements Strategy.
func (ExponentialJitter) Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Bound the exponent so the float math cannot overflow.
	if attempt > 30 {
		attempt = 30
	}

	delay := time.Duration(float64(initial) * pow(multiplier, attempt))
	if delay < 0 || delay > max {
		delay = max
	}

	jitter = clampJitter(jitter)
	if jitter > 0 {
		extra := time.Duration(float64(delay) * jitter * rand.Float64())
		if delay+extra > max {
			delay = max
		} else {
			delay += extra
		}
	}
	return delay
}

// DecorrelatedJitter draws each delay uniformly between the base delay and
// three times the previous upper bound, per the AWS backoff analysis.
// Without per-request state this uses base*3^attempt as the upper bound.
type DecorrelatedJitter struct{}

// Calculate implements Strategy.
func (DecorrelatedJitter) Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	if attempt <= 0 {
		return initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(initial)
	upper := base * pow(3.0, attempt)

	maxFloat := float64(max)
	if upper > maxFloat || upper < 0 {
		upper = maxFloat
	}
	if upper < base {
		upper = base
	}

	delay := time.Duration(base + rand.Float64()*(upper-base))
	if delay < 0 || delay > max {
		delay = max
	}
	return delay
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
