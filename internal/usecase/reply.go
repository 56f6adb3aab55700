// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/cache"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/circuit"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/content"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/health"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/history"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/settings"
	"github.com/fairyhunter13/ai-chat-orchestrator/pkg/textx"
)

// BackoffPolicy is the per-provider retry pacing between attempts.
type BackoffPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// ReplyService orchestrates reply generation across unreliable AI backends.
// It owns the retry/fallback walk; providers perform exactly one attempt per
// Complete call.
type ReplyService struct {
	providers map[domain.ProviderID]domain.Provider
	models    map[domain.ProviderID]string
	settings  *settings.Store
	limiter   ratelimiter.Limiter
	cache     *cache.Cache
	circuits  *circuit.Manager
	health    *health.Monitor
	pre       *content.Filter
	post      *content.Filter
	summar    *history.Summarizer
	backoff   BackoffPolicy
	flights   singleflight.Group
	now       func() time.Time
}

// ReplyDeps bundles the orchestrator's collaborators.
type ReplyDeps struct {
	Providers []domain.Provider
	// Models maps a provider to its configured model identifier, for metadata
	// and cache keying.
	Models     map[domain.ProviderID]string
	Settings   *settings.Store
	Limiter    ratelimiter.Limiter
	Cache      *cache.Cache
	Circuits   *circuit.Manager
	Health     *health.Monitor
	PreFilter  *content.Filter
	PostFilter *content.Filter
	Summarizer *history.Summarizer
	Backoff    BackoffPolicy
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// NewReplyService constructs the orchestrator.
func NewReplyService(d ReplyDeps) *ReplyService {
	byID := make(map[domain.ProviderID]domain.Provider, len(d.Providers))
	for _, p := range d.Providers {
		byID[p.ID()] = p
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Summarizer == nil {
		d.Summarizer = history.NewSummarizer(nil)
	}
	return &ReplyService{
		providers: byID,
		models:    d.Models,
		settings:  d.Settings,
		limiter:   d.Limiter,
		cache:     d.Cache,
		circuits:  d.Circuits,
		health:    d.Health,
		pre:       d.PreFilter,
		post:      d.PostFilter,
		summar:    d.Summarizer,
		backoff:   d.Backoff,
		now:       d.Now,
	}
}

// cachedReply is the cache value envelope; the provider that produced a reply
// survives into cache-hit metadata.
type cachedReply struct {
	Provider domain.ProviderID `json:"provider"`
	Model    string            `json:"model"`
	Text     string            `json:"text"`
}

// flightResult is what the single-flight leader hands to coalesced callers.
type flightResult struct {
	text     string
	provider domain.ProviderID
	model    string
	attempts int
}

// GenerateReply produces one assistant reply for the request, walking the
// provider fallback order with per-provider retries. The returned metadata
// accounts for every attempt made on this call.
func (s *ReplyService) GenerateReply(ctx context.Context, req domain.ReplyRequest) (domain.ReplyResult, error) {
	start := s.now()
	requestID := obsctx.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = ulid.Make().String()
	}
	lg := obsctx.LoggerFromContext(ctx).With("request_id", requestID)

	if req.CallerID == "" || req.UserText == "" {
		return domain.ReplyResult{}, fmt.Errorf("op=usecase.GenerateReply: %w: caller_id and user_text required", domain.ErrInvalidArgument)
	}
	snap := s.settings.Current()

	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(ctx, req.CallerID, req.PeerID)
		switch {
		case err != nil && allowed:
			// Limiter infrastructure failure fails open; the circuit
			// breakers still bound backend spend.
			lg.Warn("rate limiter unavailable, failing open", "error", err.Error())
		case err != nil:
			return domain.ReplyResult{}, fmt.Errorf("op=usecase.GenerateReply: rate check: %w", err)
		case !allowed:
			observability.RateLimitedTotal.WithLabelValues("domain").Inc()
			lg.Info("request rate limited",
				"caller_id", req.CallerID,
				"retry_after", retryAfter.String())
			return domain.ReplyResult{}, fmt.Errorf("op=usecase.GenerateReply: %w: retry after %s", domain.ErrRateLimited, retryAfter)
		}
	}

	// Inbound moderation happens before any provider call or cache touch.
	userText, err := s.pre.Check(textx.SanitizeText(req.UserText))
	if err != nil {
		observability.ContentFilteredTotal.WithLabelValues("pre", "reject").Inc()
		lg.Info("user text rejected by content filter", "caller_id", req.CallerID)
		return domain.ReplyResult{}, fmt.Errorf("op=usecase.GenerateReply: %w", err)
	}
	if userText != req.UserText {
		observability.ContentFilteredTotal.WithLabelValues("pre", "redact").Inc()
	}

	condensed := s.summar.Summarize(req.History, snap.MaxHistory, snap.HistoryTokenCap)
	key := s.fingerprint(snap, req, condensed, userText)

	if reply, ok := s.cacheGet(key); ok {
		observability.CacheHitsTotal.WithLabelValues("hit").Inc()
		lg.Debug("reply served from cache", "provider", string(reply.Provider))
		return domain.ReplyResult{
			Text: reply.Text,
			Meta: domain.ReplyMetadata{
				RequestID: requestID,
				Provider:  reply.Provider,
				Model:     reply.Model,
				Latency:   s.now().Sub(start),
				CacheHit:  true,
			},
		}, nil
	}
	observability.CacheHitsTotal.WithLabelValues("miss").Inc()

	v, err, shared := s.flights.Do(key, func() (any, error) {
		return s.generate(ctx, lg, snap, req, condensed, userText, key)
	})
	if shared {
		observability.CacheHitsTotal.WithLabelValues("coalesced").Inc()
	}
	if err != nil {
		return domain.ReplyResult{}, err
	}
	fr := v.(*flightResult)

	latency := s.now().Sub(start)
	observability.ReplyDuration.Observe(latency.Seconds())
	return domain.ReplyResult{
		Text: fr.text,
		Meta: domain.ReplyMetadata{
			RequestID: requestID,
			Provider:  fr.provider,
			Model:     fr.model,
			Latency:   latency,
			Attempts:  fr.attempts,
		},
	}, nil
}

// generate is the single-flight leader body: walk candidates under the
// overall deadline, then post-process and cache the winning reply.
func (s *ReplyService) generate(ctx context.Context, lg *slog.Logger, snap *settings.Snapshot, req domain.ReplyRequest, condensed []domain.Message, userText, key string) (*flightResult, error) {
	if snap.OverallDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, snap.OverallDeadline)
		defer cancel()
	}

	candidates := s.candidates(snap, req.Preference)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("op=usecase.GenerateReply: %w: no providers configured", domain.ErrAllProvidersExhausted)
	}

	attempts := 0
	var lastErr error
	for _, pid := range candidates {
		provider := s.providers[pid]
		if !s.health.IsAvailable(pid) {
			lg.Info("skipping provider marked down", "provider", string(pid))
			lastErr = fmt.Errorf("%w: %s is down", domain.ErrProviderUnavailable, pid)
			continue
		}
		text, n, err := s.attemptProvider(ctx, snap, pid, provider, condensed, req.SystemPrompt, userText)
		attempts += n
		if err == nil {
			return s.finish(snap, pid, text, attempts, key)
		}
		lastErr = err
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("op=usecase.GenerateReply: %w: overall deadline exceeded after %d attempts", domain.ErrTimeout, attempts)
		}
		if domain.ClassifyError(err) == domain.ErrorKindClient {
			// Caller's fault; no other backend will fare better.
			return nil, fmt.Errorf("op=usecase.GenerateReply: %w", err)
		}
		lg.Warn("provider exhausted, falling back",
			"provider", string(pid),
			"attempts", attempts,
			"error", err.Error())
	}
	return nil, fmt.Errorf("op=usecase.GenerateReply: %w after %d attempts: %w", domain.ErrAllProvidersExhausted, attempts, lastErr)
}

// attemptProvider runs the per-provider retry loop and reports how many
// attempts it consumed.
func (s *ReplyService) attemptProvider(ctx context.Context, snap *settings.Snapshot, pid domain.ProviderID, provider domain.Provider, condensed []domain.Message, systemPrompt, userText string) (string, int, error) {
	params := snap.Params(pid)
	breaker := s.circuits.Breaker(pid)

	var text string
	attempts := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if !breaker.Allow() {
			return backoff.Permanent(fmt.Errorf("%w: %s circuit open", domain.ErrProviderUnavailable, pid))
		}
		attempts++

		attemptCtx := ctx
		if params.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, params.Timeout)
			defer cancel()
		}

		started := s.now()
		reply, err := provider.Complete(attemptCtx, domain.CompletionRequest{
			Model:        s.models[pid],
			SystemPrompt: systemPrompt,
			History:      condensed,
			UserText:     userText,
			Temperature:  snap.Temperature,
			TopP:         snap.TopP,
			MaxTokens:    params.MaxTokens,
		})
		kind := domain.ClassifyError(err)
		outcome := domain.CallOutcome{
			Provider: pid,
			Success:  err == nil,
			Latency:  s.now().Sub(started),
			ErrKind:  kind,
		}
		s.health.RecordOutcome(outcome)
		observability.ObserveAttempt(outcome)

		if err == nil {
			breaker.RecordSuccess()
			observability.SetCircuitState(pid, float64(breaker.State()))
			text = reply
			return nil
		}
		if kind.CountsAsFailure() {
			breaker.RecordFailure()
		} else {
			// A client error says nothing about the backend; if this was a
			// half-open trial, release it so the circuit keeps re-probing.
			breaker.ReleaseTrial()
		}
		observability.SetCircuitState(pid, float64(breaker.State()))
		if kind == domain.ErrorKindClient {
			return backoff.Permanent(err)
		}
		return err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.backoff.InitialInterval
	expo.MaxInterval = s.backoff.MaxInterval
	if s.backoff.Multiplier > 0 {
		expo.Multiplier = s.backoff.Multiplier
	}
	expo.MaxElapsedTime = 0

	retries := params.Retries
	if retries < 0 {
		retries = 0
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(retries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", attempts, err
	}
	return text, attempts, nil
}

// finish runs outbound moderation, clamps length, and caches the reply.
func (s *ReplyService) finish(snap *settings.Snapshot, pid domain.ProviderID, raw string, attempts int, key string) (*flightResult, error) {
	text, err := s.post.Check(textx.SanitizeText(raw))
	if err != nil {
		observability.ContentFilteredTotal.WithLabelValues("post", "reject").Inc()
		return nil, fmt.Errorf("op=usecase.GenerateReply: provider reply: %w", err)
	}
	if text != raw {
		observability.ContentFilteredTotal.WithLabelValues("post", "redact").Inc()
	}
	text = textx.Clamp(text, snap.MaxReplyChars)

	s.cachePut(key, cachedReply{Provider: pid, Model: s.models[pid], Text: text})
	return &flightResult{text: text, provider: pid, model: s.models[pid], attempts: attempts}, nil
}

// candidates resolves the provider walk order for one request. An explicit
// preference goes first; auto or empty means the configured order. Fallback
// disabled pins the walk to the first candidate.
func (s *ReplyService) candidates(snap *settings.Snapshot, pref domain.ProviderID) []domain.ProviderID {
	seen := make(map[domain.ProviderID]bool, len(snap.ProviderOrder)+1)
	out := make([]domain.ProviderID, 0, len(snap.ProviderOrder)+1)
	add := func(p domain.ProviderID) {
		if p == "" || p == domain.ProviderAuto || seen[p] {
			return
		}
		if _, ok := s.providers[p]; !ok {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	add(pref)
	if snap.FallbackEnabled || len(out) == 0 {
		for _, p := range snap.ProviderOrder {
			add(p)
			if !snap.FallbackEnabled && len(out) > 0 {
				break
			}
		}
	}
	if !snap.FallbackEnabled && len(out) > 1 {
		out = out[:1]
	}
	return out
}

// fingerprint keys the reply cache and the single-flight group. Two requests
// agree exactly when every generation-affecting input agrees; history
// timestamps are excluded.
func (s *ReplyService) fingerprint(snap *settings.Snapshot, req domain.ReplyRequest, condensed []domain.Message, userText string) string {
	order := make([]string, 0, len(snap.ProviderOrder))
	for _, p := range snap.ProviderOrder {
		order = append(order, string(p)+"="+s.models[p])
	}
	return cache.Fingerprint(
		string(req.Preference),
		fmt.Sprint(order),
		req.SystemPrompt,
		history.Render(condensed),
		userText,
		strconv.FormatFloat(snap.Temperature, 'f', -1, 64),
		strconv.FormatFloat(snap.TopP, 'f', -1, 64),
		strconv.Itoa(snap.MaxReplyChars),
	)
}

func (s *ReplyService) cacheGet(key string) (cachedReply, bool) {
	if s.cache == nil {
		return cachedReply{}, false
	}
	raw, ok := s.cache.Get(key)
	if !ok {
		return cachedReply{}, false
	}
	var cr cachedReply
	if err := json.Unmarshal([]byte(raw), &cr); err != nil {
		return cachedReply{}, false
	}
	return cr, true
}

func (s *ReplyService) cachePut(key string, cr cachedReply) {
	if s.cache == nil {
		return
	}
	b, err := json.Marshal(cr)
	if err != nil {
		return
	}
	s.cache.Put(key, string(b))
}

// ProviderStatus is one row of the status report.
type ProviderStatus struct {
	Provider domain.ProviderID   `json:"provider"`
	Health   domain.HealthRecord `json:"health"`
	Circuit  string              `json:"circuit"`
}

// StatusReport is the operational snapshot served by the health endpoint.
type StatusReport struct {
	Providers []ProviderStatus `json:"providers"`
	Cache     cache.Stats      `json:"cache"`
}

// Status assembles the current provider health, circuit states, and cache
// counters.
func (s *ReplyService) Status() StatusReport {
	healthSnap := s.health.Snapshot()
	circuits := s.circuits.States()
	report := StatusReport{Providers: make([]ProviderStatus, 0, len(healthSnap))}
	for pid, rec := range healthSnap {
		st := circuit.StateClosed
		if cs, ok := circuits[pid]; ok {
			st = cs
		}
		report.Providers = append(report.Providers, ProviderStatus{
			Provider: pid,
			Health:   rec,
			Circuit:  st.String(),
		})
	}
	if s.cache != nil {
		report.Cache = s.cache.Stats()
	}
	return report
}
