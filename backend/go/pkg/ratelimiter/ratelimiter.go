package ratelimiter

import (
	"SceneGen/backend/go/pkg/util"
	"time"
)

// RateLimiter is the interface for rate limiting.
type RateLimiter interface {
	// Allow returns true if the request is allowed, otherwise returns false.
	Allow() bool
}

// KeyedLimiter keeps one limiter per key, e.g. per client IP.
// Idle keys are forgotten after idleTTL and at most maxKeys are tracked.
type KeyedLimiter struct {
	limiters *util.LRUCache[string, RateLimiter]
	factory  func() RateLimiter
}

// NewKeyed creates a KeyedLimiter that builds limiters with factory.
func NewKeyed(factory func() RateLimiter, maxKeys int, idleTTL time.Duration) (*KeyedLimiter, error) {
	cache, err := util.NewLRU[string, RateLimiter](util.CacheConfig{Capacity: maxKeys, TTL: idleTTL})
	if err != nil {
		return nil, err
	}
	return &KeyedLimiter{limiters: cache, factory: factory}, nil
}

// NewKeyedTokenBucket is NewKeyed with a token bucket per key.
func NewKeyedTokenBucket(rate float64, capacity, maxKeys int, idleTTL time.Duration) (*KeyedLimiter, error) {
	return NewKeyed(func() RateLimiter { return NewTokenBucket(rate, capacity) }, maxKeys, idleTTL)
}

// Allow reports whether a request for key is allowed.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.limiters.GetOrCreate(key, k.factory).Allow()
}
