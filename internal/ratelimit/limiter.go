// Package ratelimit enforces per-token token-bucket rates using
// golang.org/x/time/rate, with buckets kept in a bounded LRU so a slow
// trickle of distinct tokens cannot grow memory without bound.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/DonTee-Why/logstack/internal/config"
)

// MaxTrackedTokens bounds the bucket LRU so tracking beyond this many
// distinct tokens evicts the least recently used bucket first.
const MaxTrackedTokens = 10_000

// IdleEvictAfter proactively sweeps buckets untouched for this long,
// ahead of the LRU's capacity-triggered eviction.
const IdleEvictAfter = time.Hour

type bucket struct {
	limiter    *rate.Limiter
	lastTouch  atomicTime
}

// Limiter tracks one token-bucket per token string.
type Limiter struct {
	mu       sync.Mutex
	buckets  *lru.Cache[string, *bucket]
	defaultRPS   float64
	defaultBurst int
}

// New builds a Limiter using defaultRPS/defaultBurst for tokens without
// a per-token override.
func New(defaultRPS float64, defaultBurst int) *Limiter {
	cache, _ := lru.New[string, *bucket](MaxTrackedTokens)
	return &Limiter{
		buckets:      cache,
		defaultRPS:   defaultRPS,
		defaultBurst: defaultBurst,
	}
}

// Allow consumes one token from token's bucket, creating it on first
// use with overrides applied if non-zero. Returns false when the
// bucket is exhausted.
func (l *Limiter) Allow(token string, overrides config.TokenOverrides) bool {
	b := l.bucketFor(token, overrides)
	b.lastTouch.Store(time.Now())
	return b.limiter.Allow()
}

func (l *Limiter) bucketFor(token string, overrides config.TokenOverrides) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets.Get(token); ok {
		return b
	}

	rps := l.defaultRPS
	burst := l.defaultBurst
	if overrides.RateLimitRPS > 0 {
		rps = overrides.RateLimitRPS
	}
	if overrides.RateLimitBurst > 0 {
		burst = overrides.RateLimitBurst
	}
	b := &bucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
	b.lastTouch.Store(time.Now())
	l.buckets.Add(token, b)
	return b
}

// SweepIdle evicts buckets whose last touch is older than
// IdleEvictAfter. Intended to run on a periodic ticker from the
// server's background-task supervisor.
func (l *Limiter) SweepIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for _, token := range l.buckets.Keys() {
		b, ok := l.buckets.Peek(token)
		if !ok {
			continue
		}
		if now.Sub(b.lastTouch.Load()) > IdleEvictAfter {
			l.buckets.Remove(token)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of tracked buckets, for metrics/tests.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buckets.Len()
}
