package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	limiter := NewRateLimiter(client, RateLimitConfig{
		CallLimit:     2,
		CallWindow:    time.Minute,
		SessionLimit:  1,
		SessionWindow: time.Minute,
	})

	first, err := limiter.AllowCall(ctx, "dr-1")
	require.NoError(t, err)
	require.True(t, first.Allowed)
	require.Equal(t, 1, first.Remaining)
	require.Equal(t, 2, first.Limit)

	second, err := limiter.AllowCall(ctx, "dr-1")
	require.NoError(t, err)
	require.True(t, second.Allowed)
	require.Zero(t, second.Remaining)

	third, err := limiter.AllowCall(ctx, "dr-1")
	require.NoError(t, err)
	require.False(t, third.Allowed)
	require.Positive(t, third.ResetIn)

	other, err := limiter.AllowCall(ctx, "dr-2")
	require.NoError(t, err)
	require.True(t, other.Allowed)

	mr.FastForward(time.Minute + time.Second)
	again, err := limiter.AllowCall(ctx, "dr-1")
	require.NoError(t, err)
	require.True(t, again.Allowed)
}

func TestRateLimiterReset(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	limiter := NewRateLimiter(client, RateLimitConfig{SessionLimit: 1, SessionWindow: time.Minute, CallLimit: 1, CallWindow: time.Minute})

	res, err := limiter.AllowSessionRefresh(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = limiter.AllowSessionRefresh(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	require.NoError(t, limiter.Reset(ctx, "pt-1", "10.0.0.1"))
	res, err = limiter.AllowSessionRefresh(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}
