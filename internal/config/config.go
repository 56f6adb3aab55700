// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Provider credentials and endpoints. A provider with an empty API key is
	// excluded from the registry at load time.
	OpenRouterAPIKey  string `env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	OpenRouterModel   string `env:"OPENROUTER_MODEL" envDefault:"deepseek/deepseek-chat-v3-0324:free"`
	OpenRouterReferer string `env:"OPENROUTER_REFERER"`
	OpenRouterTitle   string `env:"OPENROUTER_TITLE" envDefault:"AI Chat Orchestrator"`
	AITunnelAPIKey    string `env:"AITUNNEL_API_KEY"`
	AITunnelBaseURL   string `env:"AITUNNEL_BASE_URL" envDefault:"https://api.aitunnel.ru/v1"`
	AITunnelModel     string `env:"AITUNNEL_MODEL" envDefault:"deepseek-r1-fast"`
	// UseStubProvider replaces real backends with the deterministic stub.
	UseStubProvider bool `env:"USE_STUB_PROVIDER" envDefault:"false"`

	// Runtime AI defaults; the settings store starts from these and may be
	// replaced at runtime as a whole snapshot.
	AITemperature      float64       `env:"AI_TEMPERATURE" envDefault:"0.6"`
	AITopP             float64       `env:"AI_TOP_P" envDefault:"1.0"`
	AIMaxTokensOR      int           `env:"AI_MAX_TOKENS_OPENROUTER" envDefault:"80"`
	AIMaxTokensAT      int           `env:"AI_MAX_TOKENS_AITUNNEL" envDefault:"5000"`
	AIMaxHistory       int           `env:"AI_MAX_HISTORY" envDefault:"8"`
	AIMaxReplyChars    int           `env:"AI_MAX_REPLY_CHARS" envDefault:"380"`
	AIRetriesOR        int           `env:"AI_RETRIES_OPENROUTER" envDefault:"2"`
	AIRetriesAT        int           `env:"AI_RETRIES_AITUNNEL" envDefault:"2"`
	AITimeoutOR        time.Duration `env:"AI_TIMEOUT_OPENROUTER" envDefault:"60s"`
	AITimeoutAT        time.Duration `env:"AI_TIMEOUT_AITUNNEL" envDefault:"60s"`
	AIFallbackEnabled  bool          `env:"AI_FALLBACK_ENABLED" envDefault:"true"`
	AIProviderOrder    []string      `env:"AI_PROVIDER_ORDER" envSeparator:"," envDefault:"openrouter,aitunnel"`
	AIHistoryTokenCap  int           `env:"AI_HISTORY_TOKEN_CAP" envDefault:"1000"`
	AIOverallDeadline  time.Duration `env:"AI_OVERALL_DEADLINE" envDefault:"120s"`
	AIReplyCacheTTL    time.Duration `env:"AI_REPLY_CACHE_TTL" envDefault:"5m"`
	AIReplyCacheSize   int           `env:"AI_REPLY_CACHE_SIZE" envDefault:"1000"`
	AIProbeInterval    time.Duration `env:"AI_PROBE_INTERVAL" envDefault:"60s"`
	AIProbeTimeout     time.Duration `env:"AI_PROBE_TIMEOUT" envDefault:"10s"`
	AIHealthThreshold  int           `env:"AI_HEALTH_THRESHOLD" envDefault:"3"`
	AICircuitThreshold int           `env:"AI_CIRCUIT_THRESHOLD" envDefault:"5"`
	AICircuitWindow    time.Duration `env:"AI_CIRCUIT_WINDOW" envDefault:"60s"`
	AICircuitCooldown  time.Duration `env:"AI_CIRCUIT_COOLDOWN" envDefault:"60s"`
	// AICircuitCooldownCap bounds the cool-down growth after repeated failed
	// half-open trials.
	AICircuitCooldownCap time.Duration `env:"AI_CIRCUIT_COOLDOWN_CAP" envDefault:"10m"`

	// Domain rate limits (sliding windows). Distinct from the transport-level
	// httprate guard on the HTTP edge.
	UserRateLimit     int           `env:"USER_RATE_LIMIT" envDefault:"10"`
	UserRateWindow    time.Duration `env:"USER_RATE_WINDOW" envDefault:"60s"`
	PeerRateLimit     int           `env:"PEER_RATE_LIMIT" envDefault:"30"`
	PeerRateWindow    time.Duration `env:"PEER_RATE_WINDOW" envDefault:"60s"`
	HTTPRateLimPerMin int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`

	// RedisURL, when set, moves rate-limit counters to Redis so multiple
	// replicas share one budget. Empty keeps counters in process memory.
	RedisURL string `env:"REDIS_URL"`

	// Retry backoff between attempts to the same provider.
	AIBackoffInitialInterval time.Duration `env:"AI_BACKOFF_INITIAL_INTERVAL" envDefault:"500ms"`
	AIBackoffMaxInterval     time.Duration `env:"AI_BACKOFF_MAX_INTERVAL" envDefault:"10s"`
	AIBackoffMultiplier      float64       `env:"AI_BACKOFF_MULTIPLIER" envDefault:"2.0"`

	// HTTP connection pool per provider.
	ProviderMaxConnsPerHost     int           `env:"PROVIDER_MAX_CONNS_PER_HOST" envDefault:"16"`
	ProviderMaxIdleConnsPerHost int           `env:"PROVIDER_MAX_IDLE_CONNS_PER_HOST" envDefault:"8"`
	ProviderIdleConnTimeout     time.Duration `env:"PROVIDER_IDLE_CONN_TIMEOUT" envDefault:"90s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ai-chat-orchestrator"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"150s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects provider orders naming unknown backends. Free-form model
// strings are resolved here, at load time, never at call time.
func (c Config) Validate() error {
	for _, p := range c.AIProviderOrder {
		switch domain.ProviderID(strings.ToLower(strings.TrimSpace(p))) {
		case domain.ProviderOpenRouter, domain.ProviderAITunnel:
		default:
			return fmt.Errorf("op=config.Validate: %w: unknown provider %q", domain.ErrInvalidArgument, p)
		}
	}
	if c.AICircuitThreshold <= 0 {
		return fmt.Errorf("op=config.Validate: %w: circuit threshold must be positive", domain.ErrInvalidArgument)
	}
	return nil
}

// ProviderOrder returns the configured fallback order as ProviderIDs.
func (c Config) ProviderOrder() []domain.ProviderID {
	out := make([]domain.ProviderID, 0, len(c.AIProviderOrder))
	for _, p := range c.AIProviderOrder {
		out = append(out, domain.ProviderID(strings.ToLower(strings.TrimSpace(p))))
	}
	return out
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetAIBackoffConfig returns backoff configuration appropriate for the current
// environment. Test environments get much shorter intervals.
func (c Config) GetAIBackoffConfig() (initialInterval, maxInterval time.Duration, multiplier float64) {
	if c.IsTest() {
		return 10 * time.Millisecond, 100 * time.Millisecond, 2.0
	}
	return c.AIBackoffInitialInterval, c.AIBackoffMaxInterval, c.AIBackoffMultiplier
}
