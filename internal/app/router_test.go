package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/ai/stub"
	httpserver "github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/cache"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/circuit"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/content"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/health"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/settings"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, ParseOrigins(" https://a.example, https://b.example "))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , "))
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)

	providers := []domain.Provider{stub.New(domain.ProviderOpenRouter, 0)}
	store := settings.NewStore(settings.FromConfig(cfg))
	replies := usecase.NewReplyService(usecase.ReplyDeps{
		Providers:  providers,
		Models:     map[domain.ProviderID]string{domain.ProviderOpenRouter: cfg.OpenRouterModel},
		Settings:   store,
		Cache:      cache.New(10, time.Minute, nil),
		Circuits:   circuit.NewManager(circuit.Options{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Minute}),
		Health:     health.NewMonitor(providers, health.Options{FailureThreshold: 3}),
		PreFilter:  content.NewFilter(content.DefaultPreRules()...),
		PostFilter: content.NewFilter(content.DefaultPostRules()...),
		Backoff:    usecase.BackoffPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2.0},
	})
	srv := httpserver.NewServer(cfg, replies, store, nil)
	return BuildRouter(cfg, srv)
}

func TestRouter_ReplyEndToEnd(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/reply",
		strings.NewReader(`{"caller_id": "user-1", "text": "hello there"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouter_MetricsAndHealth(t *testing.T) {
	router := newTestRouter(t)
	for _, path := range []string{"/metrics", "/healthz", "/readyz", "/v1/settings"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
