package ratelimiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemory_ExactlyLimitWithinWindow(t *testing.T) {
	clk := newManualClock()
	lim := NewMemory(Config{UserLimit: 3, UserWindow: time.Minute}, clk.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := lim.Allow(ctx, "u1", "p1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within limit", i+1)
	}

	ok, retryAfter, err := lim.Allow(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Denial must not consume capacity: after the window rolls, exactly the
	// limit is available again.
	clk.Advance(61 * time.Second)
	for i := 0; i < 3; i++ {
		ok, _, err := lim.Allow(ctx, "u1", "p1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _, _ = lim.Allow(ctx, "u1", "p1")
	assert.False(t, ok)
}

func TestMemory_DenialDoesNotMutateEitherScope(t *testing.T) {
	clk := newManualClock()
	lim := NewMemory(Config{
		UserLimit: 10, UserWindow: time.Minute,
		PeerLimit: 1, PeerWindow: time.Minute,
	}, clk.Now)
	ctx := context.Background()

	ok, _, _ := lim.Allow(ctx, "u1", "room")
	require.True(t, ok)

	// Peer window is full; u2's denial must not charge u2's user window.
	ok, _, _ = lim.Allow(ctx, "u2", "room")
	require.False(t, ok)

	clk.Advance(61 * time.Second)
	for i := 0; i < 1; i++ {
		ok, _, _ = lim.Allow(ctx, "u2", "room")
		assert.True(t, ok)
	}
	// u2 used none of its 10-user budget on the earlier denial.
	lb := lim.lookup(lim.user, "u2")
	lb.mu.Lock()
	assert.Len(t, lb.times, 1)
	lb.mu.Unlock()
}

func TestMemory_ScopesAreIndependent(t *testing.T) {
	clk := newManualClock()
	lim := NewMemory(Config{UserLimit: 1, UserWindow: time.Minute, PeerLimit: 5, PeerWindow: time.Minute}, clk.Now)
	ctx := context.Background()

	ok, _, _ := lim.Allow(ctx, "u1", "room")
	require.True(t, ok)
	ok, _, _ = lim.Allow(ctx, "u1", "room")
	assert.False(t, ok, "u1 exhausted")
	ok, _, _ = lim.Allow(ctx, "u2", "room")
	assert.True(t, ok, "u2 unaffected by u1's limit")
}

func TestMemory_LazyRollover(t *testing.T) {
	clk := newManualClock()
	lim := NewMemory(Config{UserLimit: 2, UserWindow: time.Minute}, clk.Now)
	ctx := context.Background()

	ok, _, _ := lim.Allow(ctx, "u1", "p")
	require.True(t, ok)
	clk.Advance(40 * time.Second)
	ok, _, _ = lim.Allow(ctx, "u1", "p")
	require.True(t, ok)

	ok, retryAfter, _ := lim.Allow(ctx, "u1", "p")
	require.False(t, ok)
	// Oldest entry leaves the window in 20s.
	assert.InDelta(t, float64(20*time.Second), float64(retryAfter), float64(time.Second))

	clk.Advance(21 * time.Second)
	ok, _, _ = lim.Allow(ctx, "u1", "p")
	assert.True(t, ok)
}

func TestMemory_DisabledScopesAlwaysAllow(t *testing.T) {
	lim := NewMemory(Config{}, nil)
	for i := 0; i < 100; i++ {
		ok, _, err := lim.Allow(context.Background(), "u", "p")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestMemory_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	lim := NewMemory(Config{UserLimit: 10, UserWindow: time.Minute}, nil)
	var allowed int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, _ := lim.Allow(context.Background(), "u", "p")
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), allowed)
}
