package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLimiterAllows(t *testing.T) {
	assert.Nil(t, New(nil, 10, time.Minute))

	var l *Limiter
	decision, err := l.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30, Decision{ResetAt: now.Add(30 * time.Second)}.RetryAfter(now))
	assert.Equal(t, 1, Decision{ResetAt: now}.RetryAfter(now))
}

func TestFixedWindow(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	limiter := New(client, 3, time.Hour)
	// Pin the clock mid-window so the test never straddles a boundary.
	limiter.now = func() time.Time { return time.Now().Truncate(time.Hour).Add(time.Minute) }
	key := "test-" + uuid.NewString()

	for i := 0; i < 3; i++ {
		decision, err := limiter.Allow(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, 2-i, decision.Remaining)
	}
	decision, err := limiter.Allow(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Zero(t, decision.Remaining)

	other, err := limiter.Allow(context.Background(), key+"-other")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}
