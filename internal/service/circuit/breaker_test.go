package circuit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// fakeClock is a manually advanced clock for deterministic transitions.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clk *fakeClock) *Breaker {
	return New(domain.ProviderOpenRouter, Options{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		CooldownCap:      2 * time.Minute,
		Now:              clk.Now,
	})
}

func TestBreaker_OpensAfterThresholdWithinWindow(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_WindowExpiryResetsCount(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)

	b.RecordFailure()
	b.RecordFailure()
	clk.Advance(2 * time.Minute)
	// Old failures fell out of the window; two more do not trip.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_NoCallBeforeCooldown(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	clk.Advance(29 * time.Second)
	assert.False(t, b.Allow())

	clk.Advance(2 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(31 * time.Second)

	require.True(t, b.Allow(), "first caller takes the trial")
	// Concurrent callers observing half-open must not get a second trial.
	assert.False(t, b.Allow())
	assert.False(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenConcurrentTrialRace(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(31 * time.Second)

	const callers = 32
	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), admitted, "exactly one trial regardless of concurrency")
}

func TestBreaker_FailedTrialDoublesCooldown(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clk.Advance(31 * time.Second)
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// Cooldown doubled to 60s; the previous 31s is not enough.
	clk.Advance(31 * time.Second)
	assert.False(t, b.Allow())
	clk.Advance(30 * time.Second)
	assert.True(t, b.Allow())

	// Another failed trial: 120s, capped there on later failures.
	b.RecordFailure()
	clk.Advance(2 * time.Minute)
	require.True(t, b.Allow())
	b.RecordFailure()
	clk.Advance(2 * time.Minute)
	assert.True(t, b.Allow(), "cooldown growth is capped")
}

func TestBreaker_ReleasedTrialReopensWithoutDoubling(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(31 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	// The trial resolved with an error that is not the backend's fault;
	// the slot must free up instead of blocking every later caller.
	b.ReleaseTrial()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	// Cooldown stays at the base 30s, so the breaker re-probes on schedule.
	clk.Advance(31 * time.Second)
	require.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ReleaseTrialOutsideHalfOpenIsNoop(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)

	b.ReleaseTrial()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	b.ReleaseTrial()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsCooldownGrowth(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(31 * time.Second)
	require.True(t, b.Allow())
	b.RecordFailure() // cooldown now 60s
	clk.Advance(time.Minute)
	require.True(t, b.Allow())
	b.RecordSuccess()

	// A fresh trip uses the base cooldown again.
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(31 * time.Second)
	assert.True(t, b.Allow())
}

func TestManager_PerProviderIsolation(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(Options{FailureThreshold: 1, Now: clk.Now})

	m.Breaker(domain.ProviderOpenRouter).RecordFailure()
	assert.Equal(t, StateOpen, m.Breaker(domain.ProviderOpenRouter).State())
	assert.Equal(t, StateClosed, m.Breaker(domain.ProviderAITunnel).State())

	states := m.States()
	assert.Equal(t, StateOpen, states[domain.ProviderOpenRouter])
	assert.Equal(t, StateClosed, states[domain.ProviderAITunnel])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
