// Package health tracks per-provider liveness from background probes and
// live call outcomes.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// Options configure a Monitor.
type Options struct {
	// FailureThreshold K: status degrades Healthy->Degraded after K
	// consecutive failures and Degraded->Down after 2K.
	FailureThreshold int
	// ProbeInterval is the cadence of the background probe loop.
	ProbeInterval time.Duration
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
	// OnStatusChange is invoked whenever a provider's status moves, from
	// both the probe loop and live outcomes. The metrics exporter hangs
	// its gauge here so freshness never depends on status-report traffic.
	OnStatusChange func(domain.ProviderID, domain.HealthStatus)
}

// record holds one provider's health under its own lock so one backend's
// outage never serializes bookkeeping for a healthy one.
type record struct {
	mu  sync.Mutex
	rec domain.HealthRecord
}

// Monitor owns the HealthRecord for every registered provider. Other
// components read health only through IsAvailable and Snapshot.
type Monitor struct {
	opts      Options
	providers []domain.Provider
	records   map[domain.ProviderID]*record
}

// NewMonitor creates a monitor with every provider initially healthy.
func NewMonitor(providers []domain.Provider, opts Options) *Monitor {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Minute
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Monitor{opts: opts, providers: providers, records: make(map[domain.ProviderID]*record, len(providers))}
	for _, p := range providers {
		m.records[p.ID()] = &record{rec: domain.HealthRecord{Status: domain.HealthHealthy}}
		m.notify(p.ID(), domain.HealthHealthy)
	}
	return m
}

func (m *Monitor) notify(p domain.ProviderID, s domain.HealthStatus) {
	if m.opts.OnStatusChange != nil {
		m.opts.OnStatusChange(p, s)
	}
}

// Run probes every provider on the configured interval until ctx is done.
// Probe failures never propagate to request callers; they only move the
// HealthRecord.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll issues one probe per provider. Exported so tests and readiness
// checks can trigger a sweep without waiting for the ticker.
func (m *Monitor) ProbeAll(ctx context.Context) {
	for _, p := range m.providers {
		pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
		err := p.Probe(pctx)
		cancel()
		if err != nil {
			slog.Warn("provider probe failed",
				slog.String("provider", string(p.ID())),
				slog.Any("error", err))
			m.recordFailure(p.ID())
			continue
		}
		m.recordSuccess(p.ID())
	}
}

// RecordOutcome feeds a live call outcome into the same counters the probes
// use, so health reacts faster than the probe cadence alone. Outcomes whose
// error kind does not count as a failure leave health untouched.
func (m *Monitor) RecordOutcome(o domain.CallOutcome) {
	if o.Success {
		m.recordSuccess(o.Provider)
		return
	}
	if !o.ErrKind.CountsAsFailure() {
		return
	}
	m.recordFailure(o.Provider)
}

// IsAvailable reports whether the provider may be attempted. Unknown
// providers are considered available; they simply have no record yet.
func (m *Monitor) IsAvailable(p domain.ProviderID) bool {
	r, ok := m.records[p]
	if !ok {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Status != domain.HealthDown
}

// Snapshot returns a copy of every provider's health record.
func (m *Monitor) Snapshot() map[domain.ProviderID]domain.HealthRecord {
	out := make(map[domain.ProviderID]domain.HealthRecord, len(m.records))
	for p, r := range m.records {
		r.mu.Lock()
		out[p] = r.rec
		r.mu.Unlock()
	}
	return out
}

func (m *Monitor) recordSuccess(p domain.ProviderID) {
	r, ok := m.records[p]
	if !ok {
		return
	}
	now := m.opts.Now()
	r.mu.Lock()
	prev := r.rec.Status
	r.rec.Status = domain.HealthHealthy
	r.rec.ConsecutiveFailures = 0
	r.rec.LastSuccess = now
	r.rec.LastCheck = now
	r.mu.Unlock()
	if prev != domain.HealthHealthy {
		slog.Info("provider recovered",
			slog.String("provider", string(p)),
			slog.String("previous_status", string(prev)))
		m.notify(p, domain.HealthHealthy)
	}
}

func (m *Monitor) recordFailure(p domain.ProviderID) {
	r, ok := m.records[p]
	if !ok {
		return
	}
	now := m.opts.Now()
	r.mu.Lock()
	r.rec.ConsecutiveFailures++
	r.rec.LastCheck = now
	prev := r.rec.Status
	switch {
	case r.rec.ConsecutiveFailures >= 2*m.opts.FailureThreshold:
		r.rec.Status = domain.HealthDown
	case r.rec.ConsecutiveFailures >= m.opts.FailureThreshold:
		r.rec.Status = domain.HealthDegraded
	}
	cur := r.rec.Status
	failures := r.rec.ConsecutiveFailures
	r.mu.Unlock()
	if cur != prev {
		slog.Warn("provider health degraded",
			slog.String("provider", string(p)),
			slog.String("status", string(cur)),
			slog.Int("consecutive_failures", failures))
		m.notify(p, cur)
	}
}
