// Package settings holds the hot-swappable runtime AI parameters.
//
// A Snapshot is immutable once published; mutation happens by building a new
// Snapshot and swapping the store's pointer atomically. In-flight requests
// capture their snapshot once at the start of the call and never observe a
// partial update.
package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// ProviderParams are the per-provider knobs.
type ProviderParams struct {
	MaxTokens int           `json:"max_tokens"`
	Retries   int           `json:"retries"`
	Timeout   time.Duration `json:"timeout"`
}

// Snapshot is one consistent version of the runtime settings.
type Snapshot struct {
	Version         int64                                `json:"version"`
	Temperature     float64                              `json:"temperature"`
	TopP            float64                              `json:"top_p"`
	MaxHistory      int                                  `json:"max_history"`
	MaxReplyChars   int                                  `json:"max_reply_chars"`
	HistoryTokenCap int                                  `json:"history_token_cap"`
	OverallDeadline time.Duration                        `json:"overall_deadline"`
	FallbackEnabled bool                                 `json:"fallback_enabled"`
	ProviderOrder   []domain.ProviderID                  `json:"provider_order"`
	Providers       map[domain.ProviderID]ProviderParams `json:"providers"`
}

// Params returns the per-provider knobs, falling back to zero values for
// unknown providers.
func (s *Snapshot) Params(p domain.ProviderID) ProviderParams {
	return s.Providers[p]
}

// clone deep-copies the snapshot so the new version can be edited freely.
func (s *Snapshot) clone() *Snapshot {
	cp := *s
	cp.ProviderOrder = append([]domain.ProviderID(nil), s.ProviderOrder...)
	cp.Providers = make(map[domain.ProviderID]ProviderParams, len(s.Providers))
	for k, v := range s.Providers {
		cp.Providers[k] = v
	}
	return &cp
}

// Store publishes the current Snapshot. Safe for concurrent use.
type Store struct {
	cur      atomic.Pointer[Snapshot]
	defaults *Snapshot
}

// FromConfig builds the initial snapshot from environment configuration.
func FromConfig(cfg config.Config) *Snapshot {
	return &Snapshot{
		Version:         1,
		Temperature:     cfg.AITemperature,
		TopP:            cfg.AITopP,
		MaxHistory:      cfg.AIMaxHistory,
		MaxReplyChars:   cfg.AIMaxReplyChars,
		HistoryTokenCap: cfg.AIHistoryTokenCap,
		OverallDeadline: cfg.AIOverallDeadline,
		FallbackEnabled: cfg.AIFallbackEnabled,
		ProviderOrder:   cfg.ProviderOrder(),
		Providers: map[domain.ProviderID]ProviderParams{
			domain.ProviderOpenRouter: {MaxTokens: cfg.AIMaxTokensOR, Retries: cfg.AIRetriesOR, Timeout: cfg.AITimeoutOR},
			domain.ProviderAITunnel:   {MaxTokens: cfg.AIMaxTokensAT, Retries: cfg.AIRetriesAT, Timeout: cfg.AITimeoutAT},
		},
	}
}

// NewStore creates a store seeded with the given snapshot, which also becomes
// the reset target.
func NewStore(initial *Snapshot) *Store {
	st := &Store{defaults: initial.clone()}
	st.cur.Store(initial)
	return st
}

// Current returns the live snapshot. Callers must not mutate it.
func (st *Store) Current() *Snapshot {
	return st.cur.Load()
}

// Replace publishes next as the new current snapshot, assigning it the next
// version number.
func (st *Store) Replace(next *Snapshot) *Snapshot {
	for {
		prev := st.cur.Load()
		cp := next.clone()
		cp.Version = prev.Version + 1
		if st.cur.CompareAndSwap(prev, cp) {
			slog.Info("runtime settings replaced",
				slog.Int64("version", cp.Version),
				slog.Float64("temperature", cp.Temperature),
				slog.Int("max_history", cp.MaxHistory))
			return cp
		}
	}
}

// Update applies fn to a copy of the current snapshot and publishes it.
func (st *Store) Update(fn func(*Snapshot)) *Snapshot {
	cp := st.cur.Load().clone()
	fn(cp)
	return st.Replace(cp)
}

// Reset restores the defaults the store was created with.
func (st *Store) Reset() *Snapshot {
	return st.Replace(st.defaults)
}

// ExportJSON serializes the current snapshot.
func (st *Store) ExportJSON() ([]byte, error) {
	b, err := json.MarshalIndent(st.Current(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("op=settings.ExportJSON: %w", err)
	}
	return b, nil
}

// ImportJSON replaces the current snapshot with one parsed from data. The
// provider order is validated against the known registry before publishing.
func (st *Store) ImportJSON(data []byte) (*Snapshot, error) {
	var next Snapshot
	if err := json.Unmarshal(data, &next); err != nil {
		return nil, fmt.Errorf("op=settings.ImportJSON: %w: %v", domain.ErrInvalidArgument, err)
	}
	for _, p := range next.ProviderOrder {
		switch p {
		case domain.ProviderOpenRouter, domain.ProviderAITunnel:
		default:
			return nil, fmt.Errorf("op=settings.ImportJSON: %w: unknown provider %q", domain.ErrInvalidArgument, p)
		}
	}
	if next.MaxHistory <= 0 || next.Temperature < 0 || next.Temperature > 2 {
		return nil, fmt.Errorf("op=settings.ImportJSON: %w: parameters out of range", domain.ErrInvalidArgument)
	}
	return st.Replace(&next), nil
}
