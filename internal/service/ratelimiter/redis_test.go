package ratelimiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLimiter(t *testing.T, cfg Config) (*RedisLimiter, *manualClock) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	clk := newManualClock()
	return NewRedis(rdb, cfg, clk.Now), clk
}

func TestRedis_NilLimiterFailsOpen(t *testing.T) {
	var lim *RedisLimiter
	allowed, retryAfter, err := lim.Allow(context.Background(), "u", "p")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
}

func TestRedis_ExactlyLimitWithinWindow(t *testing.T) {
	lim, _ := newTestRedisLimiter(t, Config{UserLimit: 2, UserWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := lim.Allow(ctx, "u1", "p1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, retryAfter, err := lim.Allow(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestRedis_WindowRollover(t *testing.T) {
	lim, clk := newTestRedisLimiter(t, Config{UserLimit: 1, UserWindow: time.Minute})
	ctx := context.Background()

	ok, _, err := lim.Allow(ctx, "u1", "p1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, _, _ = lim.Allow(ctx, "u1", "p1")
	require.False(t, ok)

	clk.Advance(61 * time.Second)
	ok, _, err = lim.Allow(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_PeerScopeDenies(t *testing.T) {
	lim, _ := newTestRedisLimiter(t, Config{
		UserLimit: 10, UserWindow: time.Minute,
		PeerLimit: 1, PeerWindow: time.Minute,
	})
	ctx := context.Background()

	ok, _, _ := lim.Allow(ctx, "u1", "room")
	require.True(t, ok)
	// Different user, same conversation: peer window is full.
	ok, _, _ = lim.Allow(ctx, "u2", "room")
	assert.False(t, ok)
	// Different conversation is unaffected.
	ok, _, _ = lim.Allow(ctx, "u2", "other")
	assert.True(t, ok)
}

func TestRedis_FailsOpenWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lim := NewRedis(rdb, Config{UserLimit: 1, UserWindow: time.Minute}, nil)
	mr.Close()

	allowed, _, err := lim.Allow(context.Background(), "u", "p")
	assert.True(t, allowed, "limiter outage must not block replies")
	assert.Error(t, err)
}
