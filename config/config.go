// Package config implements the ConfigLoader: a typed record read from a
// YAML file at startup, with ${VAR_NAME} placeholders resolved against the
// process environment before the typed struct is populated.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingSecret is returned by Load when a ${VAR_NAME} placeholder names
// an environment variable that is not set.
var ErrMissingSecret = errors.New("config: missing secret environment variable")

type (
	// General holds process-wide defaults not scoped to any one subsystem.
	General struct {
		CurrentProvider string `yaml:"current_provider"`
	}

	// Pricing is the per-token cost table for one model.
	Pricing struct {
		InputPerToken  float64 `yaml:"input_per_token"`
		OutputPerToken float64 `yaml:"output_per_token"`
	}

	// Provider configures one ProviderAdapter's default model, credentials,
	// retry/timeout policy, and pricing table.
	Provider struct {
		Model            string             `yaml:"model"`
		APIKey           string             `yaml:"api_key"`
		MaxRetries       int                `yaml:"max_retries"`
		BaseBackoffMS    int                `yaml:"base_backoff_ms"`
		RequestTimeoutMS int                `yaml:"request_timeout_ms"`
		Pricing          map[string]Pricing `yaml:"pricing"`
	}

	// Personalities configures the PersonalityPackManager's pack directory
	// and fallback pack id.
	Personalities struct {
		Directory            string `yaml:"directory"`
		DefaultPersonalityID string `yaml:"default_personality_id"`
	}

	// Mongo configures the optional durable/vector-store memory backend.
	Mongo struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// Memory toggles which MemoryManager backends are active.
	Memory struct {
		RedisEnabled      bool  `yaml:"redis_enabled"`
		VectorStoreEnabled bool  `yaml:"vector_store_enabled"`
		Mongo             Mongo `yaml:"mongo"`
	}

	// Redis configures the cache-tier backend URL.
	Redis struct {
		URL string `yaml:"url"`
	}

	// CoreRuntime configures TurnManager/PlanExecutor/StepProcessor/
	// ContextManager limits shared across every turn.
	CoreRuntime struct {
		MaxTurnDurationSeconds     int `yaml:"max_turn_duration_seconds"`
		MaxStepsPerPlan            int `yaml:"max_steps_per_plan"`
		MaxPlanGenerationRetries   int `yaml:"max_plan_generation_retries"`
		MaxStepExecutionRetries    int `yaml:"max_step_execution_retries"`
		MaxConversationHistoryTurns int `yaml:"max_conversation_history_turns"`
		MaxContextTokensForLLM     int `yaml:"max_context_tokens_for_llm"`
	}

	// Logging configures the telemetry Logger's verbosity.
	Logging struct {
		Level string `yaml:"level"`
	}

	// Config is the typed record every component is constructed from.
	Config struct {
		General       General             `yaml:"general"`
		Providers     map[string]Provider `yaml:"providers"`
		Personalities Personalities       `yaml:"personalities"`
		Memory        Memory              `yaml:"memory"`
		Redis         Redis               `yaml:"redis"`
		CoreRuntime   CoreRuntime         `yaml:"core_runtime"`
		Logging       Logging             `yaml:"logging"`
	}
)

// MaxTurnDuration returns the core_runtime timeout as a time.Duration.
func (c *Config) MaxTurnDuration() time.Duration {
	return time.Duration(c.CoreRuntime.MaxTurnDurationSeconds) * time.Second
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, resolves, and validates the YAML config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	resolved, err := resolveSecrets(raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(resolved, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return &cfg, nil
}

// resolveSecrets replaces every ${VAR_NAME} placeholder with the named
// environment variable's value. A placeholder naming an unset variable
// fails the whole load with ErrMissingSecret rather than silently
// substituting an empty string into a credential field.
func resolveSecrets(raw []byte) ([]byte, error) {
	var firstErr error
	out := placeholderPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		if firstErr != nil {
			return match
		}
		name := placeholderPattern.FindSubmatch(match)[1]
		val, ok := os.LookupEnv(string(name))
		if !ok {
			firstErr = fmt.Errorf("%w: %s", ErrMissingSecret, name)
			return match
		}
		return []byte(val)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
