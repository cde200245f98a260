package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// TestLimiter_RealRedisWindowExpiry exercises the INCR+EXPIRE pipeline
// against a real Redis, including the window-expiry behavior miniredis
// only simulates when the test clock is advanced by hand.
func TestLimiter_RealRedisWindowExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	l := New(client, 2, time.Second, nil)

	for range 2 {
		res, err := l.Allow(ctx, "uploader-1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.Allow(ctx, "uploader-1")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// After the window expires the budget resets.
	time.Sleep(1500 * time.Millisecond)
	res, err = l.Allow(ctx, "uploader-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}
