// Package ratelimit implements a Redis-backed fixed-window limiter
// guarding the upload and chapter-materialization endpoints, the way
// a Redis INCR+EXPIRE pair is used elsewhere in the ecosystem for
// per-principal request budgets.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces a fixed-window request budget per key.
type Limiter struct {
	client     *redis.Client
	rate       int
	window     time.Duration
	bypassKeys map[string]struct{}
}

// New builds a Limiter against an already-constructed Redis client.
// rate is the number of requests allowed per window.
func New(client *redis.Client, rate int, window time.Duration, bypassKeys []string) *Limiter {
	bypass := make(map[string]struct{}, len(bypassKeys))
	for _, k := range bypassKeys {
		bypass[k] = struct{}{}
	}
	return &Limiter{client: client, rate: rate, window: window, bypassKeys: bypass}
}

// Result describes the outcome of a rate-limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow increments the counter for key and reports whether the caller
// is still within budget for the current window. key is typically a
// principal ID or client IP.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	if _, bypassed := l.bypassKeys[key]; bypassed {
		return Result{Allowed: true, Remaining: l.rate}, nil
	}

	redisKey := "drm:ratelimit:" + key

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: incrementing %s: %w", key, err)
	}

	count := int(incr.Val())

	ttl, err := l.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = l.window
	}

	remaining := l.rate - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= l.rate,
		Remaining: remaining,
		ResetAt:   time.Now().Add(ttl),
	}, nil
}
