// Package backoff provides exponential backoff calculation.
package backoff

import (
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial    time.Duration // default: 100ms
	Max        time.Duration // default: 5s
	Multiplier float64       // default: 2.0
}

// Duration returns the delay for a given attempt. Attempt 1 returns
// Initial; each subsequent attempt multiplies by Multiplier, capped at Max.
func (c Config) Duration(attempt int) time.Duration {
	initial := c.Initial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	maxDelay := c.Max
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	multiplier := c.Multiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}

	if attempt < 1 {
		return initial
	}
	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}
