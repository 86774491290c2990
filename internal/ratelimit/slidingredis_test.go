package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLimiterSlidingWindow(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	limiter := Limiter{Client: client, Prefix: "test:"}

	ctx := context.Background()
	window := 2 * time.Second
	max := 2

	for i := 0; i < max; i++ {
		allowed, remaining, _, err := limiter.Allow(ctx, "key", window, max)
		require.NoError(t, err)
		require.True(t, allowed, "request %d should be allowed", i)
		require.Equal(t, max-(i+1), remaining)
	}

	allowed, remaining, _, err := limiter.Allow(ctx, "key", window, max)
	require.NoError(t, err)
	require.False(t, allowed, "request over the limit should be rejected")
	require.Zero(t, remaining)

	mr.FastForward(window)

	allowed, _, _, err = limiter.Allow(ctx, "key", window, max)
	require.NoError(t, err)
	require.True(t, allowed, "window rollover should free capacity")
}

func TestLimiterDisabledWithoutClient(t *testing.T) {
	allowed, remaining, _, err := Limiter{}.Allow(context.Background(), "key", time.Second, 3)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 3, remaining)
}
