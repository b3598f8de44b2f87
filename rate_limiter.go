package httpclient

import (
	"sync/atomic"
	"time"
)

// RateLimiter is a lock-free token bucket applied before a request enters
// the retry loop. Tokens refill continuously at one per refillRate.
type RateLimiter struct {
	maxTokens  int64
	tokens     int64
	refillRate time.Duration
	lastRefill int64

	nowNanos func() int64
}

// NewRateLimiter creates a bucket holding maxTokens that regains one
// token every refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		maxTokens:  int64(maxTokens),
		tokens:     int64(maxTokens),
		refillRate: refillRate,
		lastRefill: time.Now().UnixNano(),
		nowNanos:   func() int64 { return time.Now().UnixNano() },
	}
}

// Allow consumes a token when one is available and reports whether the
// caller may proceed.
func (rl *RateLimiter) Allow() bool {
	rl.refill()
	return rl.consume()
}

// Tokens returns the number of tokens currently available.
func (rl *RateLimiter) Tokens() int {
	rl.refill()
	return int(atomic.LoadInt64(&rl.tokens))
}

func (rl *RateLimiter) refill() {
	now := rl.nowNanos()

	for {
		current := atomic.LoadInt64(&rl.tokens)
		last := atomic.LoadInt64(&rl.lastRefill)

		var earned int64
		if rl.refillRate > 0 {
			earned = (now - last) / int64(rl.refillRate)
		}
		if earned == 0 {
			return
		}

		replenished := current + earned
		if replenished > rl.maxTokens {
			replenished = rl.maxTokens
		}

		// Advance lastRefill by whole refill intervals only, so partial
		// intervals keep accruing toward the next token.
		if !atomic.CompareAndSwapInt64(&rl.lastRefill, last, last+earned*int64(rl.refillRate)) {
			continue
		}
		atomic.StoreInt64(&rl.tokens, replenished)
		return
	}
}

func (rl *RateLimiter) consume() bool {
	for {
		current := atomic.LoadInt64(&rl.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&rl.tokens, current, current-1) {
			return true
		}
	}
}
