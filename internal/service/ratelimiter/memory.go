package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// bucket is one sliding window of request timestamps. Rollover is lazy:
// stale entries are pruned at check time, never by a background sweeper.
type bucket struct {
	mu    sync.Mutex
	times []time.Time
}

func (b *bucket) prune(cutoff time.Time) {
	i := 0
	for i < len(b.times) && !b.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.times = append(b.times[:0], b.times[i:]...)
	}
}

// retryAfter is how long until the oldest entry leaves the window.
func (b *bucket) retryAfter(now time.Time, window time.Duration) time.Duration {
	if len(b.times) == 0 {
		return 0
	}
	d := b.times[0].Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Memory is the in-process dual-scope limiter. Counts live per key under
// per-bucket locks; the store lock only guards the key map.
type Memory struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	user map[string]*bucket
	peer map[string]*bucket
}

// NewMemory creates an in-memory limiter. A nil clock means time.Now.
func NewMemory(cfg Config, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		cfg:  cfg,
		now:  now,
		user: make(map[string]*bucket),
		peer: make(map[string]*bucket),
	}
}

func (m *Memory) lookup(scope map[string]*bucket, key string) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := scope[key]
	if !ok {
		b = &bucket{}
		scope[key] = b
	}
	return b
}

// Allow checks both windows and consumes one slot from each only when both
// have capacity. Buckets are locked user-then-peer so concurrent calls
// cannot deadlock.
func (m *Memory) Allow(_ context.Context, userID, peerID string) (bool, time.Duration, error) {
	now := m.now()

	ub := m.lookup(m.user, userID)
	pb := m.lookup(m.peer, "peer:"+peerID)

	ub.mu.Lock()
	defer ub.mu.Unlock()
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if m.cfg.UserLimit > 0 && m.cfg.UserWindow > 0 {
		ub.prune(now.Add(-m.cfg.UserWindow))
		if len(ub.times) >= m.cfg.UserLimit {
			return false, ub.retryAfter(now, m.cfg.UserWindow), nil
		}
	}
	if m.cfg.PeerLimit > 0 && m.cfg.PeerWindow > 0 {
		pb.prune(now.Add(-m.cfg.PeerWindow))
		if len(pb.times) >= m.cfg.PeerLimit {
			return false, pb.retryAfter(now, m.cfg.PeerWindow), nil
		}
	}

	if m.cfg.UserLimit > 0 && m.cfg.UserWindow > 0 {
		ub.times = append(ub.times, now)
	}
	if m.cfg.PeerLimit > 0 && m.cfg.PeerWindow > 0 {
		pb.times = append(pb.times, now)
	}
	return true, 0, nil
}
