package backoff

import "time"

// Calculator binds a Strategy to the delay parameters shared by every
// attempt of a client.
type Calculator struct {
	strategy   Strategy
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
}

// NewCalculator creates a calculator for the given strategy and parameters.
func NewCalculator(strategy Strategy, initial, max time.Duration, multiplier, jitter float64) *Calculator {
	return &Calculator{
		strategy:   strategy,
		initial:    initial,
		max:        max,
		multiplier: multiplier,
		jitter:     jitter,
	}
}

// Delay returns the backoff delay before the given attempt (0-based).
func (c *Calculator) Delay(attempt int) time.Duration {
	return c.strategy.Calculate(attempt, c.initial, c.max, c.multiplier, c.jitter)
}
