// Package circuit implements the per-provider failure-isolation state machine.
package circuit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is allowing requests to pass through.
	StateClosed State = iota
	// StateOpen indicates the circuit is blocking requests due to failures.
	StateOpen
	// StateHalfOpen indicates the circuit is probing recovery with a single trial.
	StateHalfOpen
)

// String returns a string representation of the circuit state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options configure a Breaker.
type Options struct {
	// FailureThreshold is the number of counted failures within Window that
	// opens the circuit.
	FailureThreshold int
	// Window bounds how long failures accumulate before the counter restarts.
	Window time.Duration
	// Cooldown is how long an open circuit rejects calls before admitting a
	// half-open trial.
	Cooldown time.Duration
	// CooldownCap bounds the doubling applied after each failed trial.
	CooldownCap time.Duration
	// Now is the clock; nil means time.Now. Tests inject a fake here.
	Now func() time.Time
}

// Breaker is the circuit breaker for one provider. The breaker owns its
// state; everything else only reads it through State().
type Breaker struct {
	mu       sync.Mutex
	provider domain.ProviderID
	opts     Options

	state         State
	failureCount  int
	windowStart   time.Time
	openedAt      time.Time
	cooldown      time.Duration
	trialInFlight bool
}

// New creates a breaker in the closed state.
func New(provider domain.ProviderID, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	if opts.CooldownCap <= 0 {
		opts.CooldownCap = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		provider: provider,
		opts:     opts,
		state:    StateClosed,
		cooldown: opts.Cooldown,
	}
}

// Allow reports whether a call may be attempted now. When an open circuit's
// cool-down has elapsed it transitions to half-open and admits exactly one
// trial; concurrent callers observe false until that trial resolves and must
// skip to the next candidate.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.opts.Now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		slog.Info("circuit half-open, admitting trial call",
			slog.String("provider", string(b.provider)),
			slog.Duration("cooldown", b.cooldown))
		return true
	case StateHalfOpen:
		return !b.trialInFlight
	default:
		return false
	}
}

// RecordSuccess records a successful call and closes the circuit if it was
// probing recovery. Counters and cool-down growth reset.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.trialInFlight = false
	b.cooldown = b.opts.Cooldown
	if prev == StateHalfOpen {
		slog.Info("circuit closed after successful trial",
			slog.String("provider", string(b.provider)))
	}
}

// RecordFailure records a counted failure. In the closed state failures
// accumulate within the window until the threshold opens the circuit; a
// failed half-open trial reopens it with a doubled, capped cool-down.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.trialInFlight = false
		b.cooldown = min(b.cooldown*2, b.opts.CooldownCap)
		slog.Warn("circuit reopened after failed trial",
			slog.String("provider", string(b.provider)),
			slog.Duration("cooldown", b.cooldown))
	case StateClosed:
		if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.opts.Window {
			b.windowStart = now
			b.failureCount = 0
		}
		b.failureCount++
		if b.failureCount >= b.opts.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
			slog.Warn("circuit opened due to consecutive failures",
				slog.String("provider", string(b.provider)),
				slog.Int("failure_count", b.failureCount),
				slog.Int("threshold", b.opts.FailureThreshold))
		}
	case StateOpen:
		// Late failure from a call admitted before the trip; the circuit is
		// already open, only refresh openedAt to extend the cool-down window.
		b.openedAt = now
	}
}

// ReleaseTrial returns a half-open circuit to open without doubling the
// cool-down. Used when the trial call resolved with an error that is not
// counted against the backend; the trial proved nothing, so the breaker
// re-probes on the same schedule instead of staying wedged half-open.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		return
	}
	b.state = StateOpen
	b.openedAt = b.opts.Now()
	b.trialInFlight = false
	slog.Info("circuit trial inconclusive, reopening",
		slog.String("provider", string(b.provider)),
		slog.Duration("cooldown", b.cooldown))
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the counted failures in the current window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Manager holds one breaker per provider.
type Manager struct {
	mu       sync.RWMutex
	opts     Options
	breakers map[domain.ProviderID]*Breaker
}

// NewManager creates a manager that builds breakers lazily with opts.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts, breakers: make(map[domain.ProviderID]*Breaker)}
}

// Breaker returns or creates the breaker for a provider.
func (m *Manager) Breaker(provider domain.ProviderID) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[provider]; ok {
		return b
	}
	b = New(provider, m.opts)
	m.breakers[provider] = b
	return b
}

// States returns a snapshot of every known breaker's state, used by the
// metrics exporter.
func (m *Manager) States() map[domain.ProviderID]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.ProviderID]State, len(m.breakers))
	for p, b := range m.breakers {
		out[p] = b.State()
	}
	return out
}
