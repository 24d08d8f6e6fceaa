// Package ratelimit provides the per-connection signaling message rate
// limit.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the Clock used in production.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate (tokens/sec). Accounting is done in
// nano-tokens (1 token = 1e9 nano-tokens) so refill needs no floats: a rate
// of X tokens/sec adds X nano-tokens per elapsed nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64 // nano-tokens
	last      time.Time
}

const nanoPerToken = int64(time.Second)

// NewTokenBucket returns a bucket that starts full.
func NewTokenBucket(clock Clock, capacityTokens, tokensPerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if tokensPerSecond < 0 {
		tokensPerSecond = 0
	}
	cap := capacityTokens * nanoPerToken
	return &TokenBucket{
		clock:     clock,
		capacity:  cap,
		rate:      tokensPerSecond,
		available: cap,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := tokens * nanoPerToken
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.rate <= 0 || b.available >= b.capacity {
		return
	}

	need := b.capacity - b.available
	// elapsed*rate can overflow for long idle stretches; if the idle time was
	// enough to fill the bucket, clamp instead of multiplying.
	if maxElapsed := need / b.rate; elapsed >= maxElapsed {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
}
