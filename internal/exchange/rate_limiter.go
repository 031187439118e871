package exchange

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket guarding exchange REST calls.
// The exchange enforces separate budgets for public and order endpoints,
// so callers pick a bucket per request class.
type RateLimiter struct {
	mu sync.Mutex

	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a bucket holding burst tokens refilled at perSecond
func NewRateLimiter(burst int, perSecond float64) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now
}

// TryAcquire takes a token without blocking. Returns false when the
// bucket is empty along with the suggested wait.
func (rl *RateLimiter) TryAcquire() (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill(time.Now())
	if rl.tokens >= 1 {
		rl.tokens--
		return true, 0
	}
	wait := time.Duration((1 - rl.tokens) / rl.refillRate * float64(time.Second))
	return false, wait
}

// Wait blocks until a token is available or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		ok, wait := rl.TryAcquire()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available returns the current token count (for diagnostics)
func (rl *RateLimiter) Available() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(time.Now())
	return rl.tokens
}
