// Package backoff computes retry delays. The default strategy is
// exponential growth capped at a maximum, with a symmetric uniform jitter
// band applied on top so synchronized clients spread their retries.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy is a pluggable delay calculation algorithm.
type Strategy interface {
	// Delay returns the wait before retry number attempt (0-based).
	Delay(attempt int, baseDelay, maxDelay time.Duration, jitter float64) time.Duration
}

// Calculator computes retry delays using a configurable Strategy.
type Calculator struct {
	strategy Strategy
}

// NewCalculator creates a Calculator with the given strategy.
func NewCalculator(strategy Strategy) *Calculator {
	return &Calculator{strategy: strategy}
}

// NewExponential returns a Calculator using ExponentialJitter.
func NewExponential() *Calculator {
	return NewCalculator(ExponentialJitter{})
}

// NewDecorrelated returns a Calculator using DecorrelatedJitter.
func NewDecorrelated() *Calculator {
	return NewCalculator(DecorrelatedJitter{})
}

// Delay computes the delay for the given attempt.
func (c *Calculator) Delay(attempt int, baseDelay, maxDelay time.Duration, jitter float64) time.Duration {
	return c.strategy.Delay(attempt, baseDelay, maxDelay, jitter)
}

// ExponentialJitter grows the delay as baseDelay * 2^attempt, clamps it to
// [0, maxDelay], then shifts it by a uniform random amount in
// ±(jitter * clamped). The result is floored at zero and rounded to a
// whole millisecond. With jitter == 0 the result is fully deterministic.
type ExponentialJitter struct{}

// Delay implements Strategy.
func (ExponentialJitter) Delay(attempt int, baseDelay, maxDelay time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^attempt overflows int64 long before attempt reaches 63; the clamp
	// below makes larger attempts equivalent anyway.
	if attempt > 62 {
		attempt = 62
	}

	delay := float64(baseDelay) * pow2(attempt)
	if delay < 0 {
		delay = 0
	}
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	jitter = clampJitter(jitter)
	if jitter > 0 {
		// Uniform in [-jitter*delay, +jitter*delay].
		delta := (rand.Float64()*2 - 1) * jitter * delay
		delay += delta
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay).Round(time.Millisecond)
}

// DecorrelatedJitter implements AWS-style decorrelated jitter: a random
// delay between baseDelay and min(maxDelay, baseDelay * 3^attempt). It
// ignores the jitter factor since randomness is inherent to the formula.
type DecorrelatedJitter struct{}

// Delay implements Strategy.
func (DecorrelatedJitter) Delay(attempt int, baseDelay, maxDelay time.Duration, _ float64) time.Duration {
	if attempt <= 0 {
		return baseDelay.Round(time.Millisecond)
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(baseDelay)
	upper := base
	for i := 0; i < attempt; i++ {
		upper *= 3
		if upper > float64(maxDelay) || upper < 0 {
			upper = float64(maxDelay)
			break
		}
	}
	if upper < base {
		upper = base
	}

	delay := base + rand.Float64()*(upper-base)
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	return time.Duration(delay).Round(time.Millisecond)
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

func pow2(exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= 2
	}
	return result
}
