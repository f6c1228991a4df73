package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadResolvesTypedFields(t *testing.T) {
	path := writeConfig(t, `
general:
  current_provider: anthropic
providers:
  anthropic:
    model: claude-sonnet
    max_retries: 3
    base_backoff_ms: 250
    request_timeout_ms: 30000
    pricing:
      claude-sonnet:
        input_per_token: 0.000003
        output_per_token: 0.000015
personalities:
  directory: ./packs
  default_personality_id: default
memory:
  redis_enabled: true
  vector_store_enabled: false
redis:
  url: redis://localhost:6379
core_runtime:
  max_turn_duration_seconds: 120
  max_steps_per_plan: 20
  max_plan_generation_retries: 2
  max_step_execution_retries: 2
  max_conversation_history_turns: 50
  max_context_tokens_for_llm: 8000
logging:
  level: info
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "anthropic", cfg.General.CurrentProvider)
	require.Equal(t, "claude-sonnet", cfg.Providers["anthropic"].Model)
	require.Equal(t, 3, cfg.Providers["anthropic"].MaxRetries)
	require.InDelta(t, 0.000003, cfg.Providers["anthropic"].Pricing["claude-sonnet"].InputPerToken, 1e-9)
	require.Equal(t, "default", cfg.Personalities.DefaultPersonalityID)
	require.True(t, cfg.Memory.RedisEnabled)
	require.False(t, cfg.Memory.VectorStoreEnabled)
	require.Equal(t, 120, cfg.CoreRuntime.MaxTurnDurationSeconds)
	require.Equal(t, 120e9, float64(cfg.MaxTurnDuration()))
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadResolvesSecretPlaceholder(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test-value")
	path := writeConfig(t, `
providers:
  anthropic:
    api_key: ${TEST_ANTHROPIC_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sk-test-value", cfg.Providers["anthropic"].APIKey)
}

func TestLoadFailsOnMissingSecret(t *testing.T) {
	path := writeConfig(t, `
providers:
  anthropic:
    api_key: ${DEFINITELY_NOT_SET_ENV_VAR}
`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestLoadFailsOnMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
