// Command server starts the AI chat orchestrator HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/ai/chatapi"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/ai/stub"
	httpserver "github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/cache"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/circuit"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/content"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/health"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/settings"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP and AI instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	providers, models := buildProviders(cfg)
	if len(providers) == 0 {
		slog.Error("no AI providers configured; set provider API keys or USE_STUB_PROVIDER=true")
		os.Exit(1)
	}

	// Runtime settings, hot-swappable through /v1/settings.
	store := settings.NewStore(settings.FromConfig(cfg))

	// Domain rate limiter: Redis when shared budgets across replicas are
	// needed, in-process sliding windows otherwise.
	var limiter ratelimiter.Limiter
	var redisCheck func(context.Context) error
	limCfg := ratelimiter.Config{
		UserLimit: cfg.UserRateLimit, UserWindow: cfg.UserRateWindow,
		PeerLimit: cfg.PeerRateLimit, PeerWindow: cfg.PeerRateWindow,
	}
	if limCfg.Enabled() {
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid redis url", slog.Any("error", err))
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			defer func() { _ = rdb.Close() }()
			limiter = ratelimiter.NewRedis(rdb, limCfg, nil)
			redisCheck = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
			slog.Info("rate limiter using redis", slog.String("addr", opt.Addr))
		} else {
			limiter = ratelimiter.NewMemory(limCfg, nil)
			slog.Info("rate limiter using process memory")
		}
	}

	monitor := health.NewMonitor(providers, health.Options{
		FailureThreshold: cfg.AIHealthThreshold,
		ProbeInterval:    cfg.AIProbeInterval,
		ProbeTimeout:     cfg.AIProbeTimeout,
		OnStatusChange:   observability.SetProviderHealth,
	})
	go monitor.Run(ctx)

	initial, maxIv, mult := cfg.GetAIBackoffConfig()
	replies := usecase.NewReplyService(usecase.ReplyDeps{
		Providers: providers,
		Models:    models,
		Settings:  store,
		Limiter:   limiter,
		Cache:     cache.New(cfg.AIReplyCacheSize, cfg.AIReplyCacheTTL, nil),
		Circuits: circuit.NewManager(circuit.Options{
			FailureThreshold: cfg.AICircuitThreshold,
			Window:           cfg.AICircuitWindow,
			Cooldown:         cfg.AICircuitCooldown,
			CooldownCap:      cfg.AICircuitCooldownCap,
		}),
		Health:     monitor,
		PreFilter:  content.NewFilter(content.DefaultPreRules()...),
		PostFilter: content.NewFilter(content.DefaultPostRules()...),
		Backoff:    usecase.BackoffPolicy{InitialInterval: initial, MaxInterval: maxIv, Multiplier: mult},
	})

	srv := httpserver.NewServer(cfg, replies, store, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// buildProviders assembles the backend registry. Providers without an API key
// are excluded; USE_STUB_PROVIDER swaps in deterministic stubs for local runs.
func buildProviders(cfg config.Config) ([]domain.Provider, map[domain.ProviderID]string) {
	models := map[domain.ProviderID]string{
		domain.ProviderOpenRouter: cfg.OpenRouterModel,
		domain.ProviderAITunnel:   cfg.AITunnelModel,
	}
	if cfg.UseStubProvider {
		slog.Warn("using stub AI providers")
		return []domain.Provider{
			stub.New(domain.ProviderOpenRouter, 50*time.Millisecond),
			stub.New(domain.ProviderAITunnel, 50*time.Millisecond),
		}, models
	}

	var providers []domain.Provider
	if cfg.OpenRouterAPIKey != "" {
		providers = append(providers, chatapi.New(chatapi.Options{
			Provider:            domain.ProviderOpenRouter,
			BaseURL:             cfg.OpenRouterBaseURL,
			APIKey:              cfg.OpenRouterAPIKey,
			Model:               cfg.OpenRouterModel,
			Referer:             cfg.OpenRouterReferer,
			Title:               cfg.OpenRouterTitle,
			MaxConnsPerHost:     cfg.ProviderMaxConnsPerHost,
			MaxIdleConnsPerHost: cfg.ProviderMaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.ProviderIdleConnTimeout,
		}))
	} else {
		slog.Warn("openrouter excluded from registry; no API key")
	}
	if cfg.AITunnelAPIKey != "" {
		providers = append(providers, chatapi.New(chatapi.Options{
			Provider:            domain.ProviderAITunnel,
			BaseURL:             cfg.AITunnelBaseURL,
			APIKey:              cfg.AITunnelAPIKey,
			Model:               cfg.AITunnelModel,
			MaxConnsPerHost:     cfg.ProviderMaxConnsPerHost,
			MaxIdleConnsPerHost: cfg.ProviderMaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.ProviderIdleConnTimeout,
		}))
	} else {
		slog.Warn("aitunnel excluded from registry; no API key")
	}
	return providers, models
}
