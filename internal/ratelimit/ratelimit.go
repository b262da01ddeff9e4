// Package ratelimit implements a fixed-window request counter shared across
// replicas through Redis.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "device-identity:rl:"

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is the end of the current window.
	ResetAt time.Time
}

// RetryAfter is the whole number of seconds until the window resets, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	seconds := int(d.ResetAt.Sub(now).Seconds())
	if seconds < 1 {
		return 1
	}
	return seconds
}

type Limiter struct {
	client *redis.Client
	points int
	window time.Duration
	now    func() time.Time
}

// New returns a limiter allowing points requests per window and key. A nil
// client or non-positive points yields nil, which allows everything.
func New(client *redis.Client, points int, window time.Duration) *Limiter {
	if client == nil || points <= 0 || window <= 0 {
		return nil
	}
	return &Limiter{client: client, points: points, window: window, now: time.Now}
}

// Allow counts one hit for key in the current window.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil {
		return Decision{Allowed: true}, nil
	}
	now := l.now()
	slot := now.UnixNano() / int64(l.window)
	resetAt := time.Unix(0, (slot+1)*int64(l.window))
	redisKey := keyPrefix + key + ":" + strconv.FormatInt(slot, 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true, Limit: l.points, Remaining: l.points, ResetAt: resetAt}, err
	}

	count := int(incr.Val())
	remaining := l.points - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.points,
		Limit:     l.points,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
