package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.InDelta(t, 0.6, cfg.AITemperature, 1e-9)
	assert.Equal(t, 8, cfg.AIMaxHistory)
	assert.Equal(t, 380, cfg.AIMaxReplyChars)
	assert.Equal(t, 2, cfg.AIRetriesOR)
	assert.Equal(t, 60*time.Second, cfg.AITimeoutOR)
	assert.True(t, cfg.AIFallbackEnabled)
	assert.Equal(t, []domain.ProviderID{domain.ProviderOpenRouter, domain.ProviderAITunnel}, cfg.ProviderOrder())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("AI_PROVIDER_ORDER", "aitunnel, openrouter")
	t.Setenv("USER_RATE_LIMIT", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsTest())
	assert.Equal(t, []domain.ProviderID{domain.ProviderAITunnel, domain.ProviderOpenRouter}, cfg.ProviderOrder())
	assert.Equal(t, 3, cfg.UserRateLimit)
}

func TestValidate_UnknownProvider(t *testing.T) {
	t.Setenv("AI_PROVIDER_ORDER", "openrouter,deepmind")
	_, err := Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestValidate_CircuitThreshold(t *testing.T) {
	t.Setenv("AI_CIRCUIT_THRESHOLD", "0")
	_, err := Load()
	require.Error(t, err)
}

func TestGetAIBackoffConfig_TestEnv(t *testing.T) {
	cfg := Config{AppEnv: "test", AIBackoffInitialInterval: 2 * time.Second}
	initial, maxI, mult := cfg.GetAIBackoffConfig()
	assert.Equal(t, 10*time.Millisecond, initial)
	assert.Equal(t, 100*time.Millisecond, maxI)
	assert.InDelta(t, 2.0, mult, 1e-9)
}

func TestEnvHelpers(t *testing.T) {
	assert.True(t, Config{AppEnv: "DEV"}.IsDev())
	assert.True(t, Config{AppEnv: "prod"}.IsProd())
	assert.False(t, Config{AppEnv: "prod"}.IsDev())
}
