// Package clients provides rate limiting, retry and HTTP transport building blocks
// shared by every outbound Graph API call.
package clients

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lochness-labs/facebook-ingestion/pkg/clock"
)

// RateLimiter defines the interface for rate limiting implementations.
// It supports immediate checks, blocking waits and server-driven backoff.
type RateLimiter interface {
	// Allow checks if a request is allowed
	Allow() bool

	// Wait blocks until a request is allowed
	Wait(ctx context.Context) error

	// Penalize blocks every caller until d has elapsed
	Penalize(d time.Duration)

	// SetRate updates the rate limit
	SetRate(rate float64)

	// SetBurst updates the burst size
	SetBurst(burst int)

	// GetStats returns rate limiter statistics
	GetStats() RateLimiterStats
}

// RateLimiterStats provides statistics about rate limiter state
type RateLimiterStats struct {
	Rate            float64       `json:"rate"`
	Burst           int           `json:"burst"`
	AllowedRequests int64         `json:"allowed_requests"`
	BlockedRequests int64         `json:"blocked_requests"`
	Penalties       int64         `json:"penalties"`
	CurrentTokens   float64       `json:"current_tokens"`
	LastRefill      time.Time     `json:"last_refill"`
	PausedUntil     time.Time     `json:"paused_until"`
	AverageWaitTime time.Duration `json:"average_wait_time"`
}

// TokenBucketRateLimiter implements the token bucket algorithm for rate limiting.
// Tokens are added at a constant rate and consumed by requests.
type TokenBucketRateLimiter struct {
	clock       clock.Clock
	rate        float64
	burst       int
	tokens      float64
	lastTime    time.Time
	pausedUntil time.Time

	// Stats
	allowedRequests int64
	blockedRequests int64
	penalties       int64
	totalWaitTime   int64

	mu sync.Mutex
}

// NewTokenBucketRateLimiter creates a token bucket with the given rate
// (tokens per second) and burst capacity on the wall clock.
func NewTokenBucketRateLimiter(rate float64, burst int) *TokenBucketRateLimiter {
	return NewTokenBucketRateLimiterWithClock(rate, burst, clock.New())
}

// NewTokenBucketRateLimiterWithClock creates a token bucket driven by c
func NewTokenBucketRateLimiterWithClock(rate float64, burst int, c clock.Clock) *TokenBucketRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketRateLimiter{
		clock:    c,
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastTime: c.Now(),
	}
}

// NewIntervalLimiter returns a limiter that admits one call per interval.
// A zero interval yields a limiter that never blocks.
func NewIntervalLimiter(interval time.Duration, c clock.Clock) RateLimiter {
	if interval <= 0 {
		return Unlimited{}
	}
	return NewTokenBucketRateLimiterWithClock(float64(time.Second)/float64(interval), 1, c)
}

// Allow checks if a request is allowed immediately.
// Returns true if a token is available and consumes it, false otherwise.
func (tb *TokenBucketRateLimiter) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.clock.Now().Before(tb.pausedUntil) {
		atomic.AddInt64(&tb.blockedRequests, 1)
		return false
	}

	if tb.tokens >= 1.0 {
		tb.tokens--
		atomic.AddInt64(&tb.allowedRequests, 1)
		return true
	}

	atomic.AddInt64(&tb.blockedRequests, 1)
	return false
}

// Wait blocks until a request is allowed
func (tb *TokenBucketRateLimiter) Wait(ctx context.Context) error {
	start := tb.clock.Now()

	for {
		tb.mu.Lock()
		tb.refill()
		now := tb.clock.Now()

		var waitTime time.Duration
		switch {
		case now.Before(tb.pausedUntil):
			waitTime = tb.pausedUntil.Sub(now)
		case tb.tokens >= 1.0:
			tb.tokens--
			atomic.AddInt64(&tb.allowedRequests, 1)
			atomic.AddInt64(&tb.totalWaitTime, now.Sub(start).Nanoseconds())
			tb.mu.Unlock()
			return nil
		default:
			deficit := 1.0 - tb.tokens
			waitTime = time.Duration(deficit / tb.rate * float64(time.Second))
		}
		tb.mu.Unlock()

		if waitTime <= 0 {
			waitTime = time.Millisecond
		}

		select {
		case <-tb.clock.After(waitTime):
			continue
		case <-ctx.Done():
			atomic.AddInt64(&tb.blockedRequests, 1)
			return ctx.Err()
		}
	}
}

// Penalize pauses the bucket until d from now. Overlapping penalties keep
// the later deadline. Tokens accrued during the pause are discarded.
func (tb *TokenBucketRateLimiter) Penalize(d time.Duration) {
	if d <= 0 {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	until := tb.clock.Now().Add(d)
	if until.After(tb.pausedUntil) {
		tb.pausedUntil = until
	}
	tb.tokens = 0
	tb.lastTime = until
	atomic.AddInt64(&tb.penalties, 1)
}

// refill adds tokens based on elapsed time
func (tb *TokenBucketRateLimiter) refill() {
	now := tb.clock.Now()
	if now.Before(tb.lastTime) {
		return
	}
	elapsed := now.Sub(tb.lastTime).Seconds()

	tb.tokens += elapsed * tb.rate
	if tb.tokens > float64(tb.burst) {
		tb.tokens = float64(tb.burst)
	}

	tb.lastTime = now
}

// SetRate updates the rate limit
func (tb *TokenBucketRateLimiter) SetRate(rate float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	tb.rate = rate
}

// SetBurst updates the burst size
func (tb *TokenBucketRateLimiter) SetBurst(burst int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.burst = burst
	if tb.tokens > float64(burst) {
		tb.tokens = float64(burst)
	}
}

// GetStats returns rate limiter statistics
func (tb *TokenBucketRateLimiter) GetStats() RateLimiterStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	allowed := atomic.LoadInt64(&tb.allowedRequests)
	blocked := atomic.LoadInt64(&tb.blockedRequests)
	totalWait := atomic.LoadInt64(&tb.totalWaitTime)

	avgWait := time.Duration(0)
	if allowed > 0 {
		avgWait = time.Duration(totalWait / allowed)
	}

	return RateLimiterStats{
		Rate:            tb.rate,
		Burst:           tb.burst,
		AllowedRequests: allowed,
		BlockedRequests: blocked,
		Penalties:       atomic.LoadInt64(&tb.penalties),
		CurrentTokens:   tb.tokens,
		LastRefill:      tb.lastTime,
		PausedUntil:     tb.pausedUntil,
		AverageWaitTime: avgWait,
	}
}

// Unlimited is a RateLimiter that never blocks
type Unlimited struct{}

// Allow always returns true
func (Unlimited) Allow() bool { return true }

// Wait returns immediately unless ctx is already done
func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }

// Penalize is a no-op
func (Unlimited) Penalize(time.Duration) {}

// SetRate is a no-op
func (Unlimited) SetRate(float64) {}

// SetBurst is a no-op
func (Unlimited) SetBurst(int) {}

// GetStats returns empty stats
func (Unlimited) GetStats() RateLimiterStats { return RateLimiterStats{} }
