package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ActiveProvider() != "openai" {
		t.Fatalf("default provider = %q", cfg.ActiveProvider())
	}
	if cfg.LogLevel() != "info" {
		t.Fatalf("default log level = %q", cfg.LogLevel())
	}
	if cfg.RetryMaxAttempts() != 4 {
		t.Fatalf("retry attempts = %d", cfg.RetryMaxAttempts())
	}
	if cfg.RetryBackoffBase() != 500*time.Millisecond {
		t.Fatalf("backoff base = %s", cfg.RetryBackoffBase())
	}
	if cfg.RetryBackoffCap() != 8*time.Second {
		t.Fatalf("backoff cap = %s", cfg.RetryBackoffCap())
	}
	if cfg.MaxTurns() != 20 {
		t.Fatalf("max turns = %d", cfg.MaxTurns())
	}
	if cfg.FailureThreshold() != 3 {
		t.Fatalf("failure threshold = %d", cfg.FailureThreshold())
	}
	if cfg.HallucinationRetries() != 2 {
		t.Fatalf("hallucination retries = %d", cfg.HallucinationRetries())
	}
	if cfg.OpenRouterBaseURL() != "https://openrouter.ai/api/v1" {
		t.Fatalf("openrouter base url = %q", cfg.OpenRouterBaseURL())
	}
	if cfg.AnthropicMaxTokens() != 8192 {
		t.Fatalf("anthropic max tokens = %d", cfg.AnthropicMaxTokens())
	}
}

func TestLoadFromPathAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
provider = "OpenRouter"

[logging]
level = "debug"

[retry]
max_attempts = 7
backoff_base_ms = 100

[agent]
max_turns = 5
hallucination_retries = 0

[providers.openrouter]
model = "openai/gpt-5.1"
base_url = "https://example.test/v1/"

[providers.anthropic]
max_tokens = 1024
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ActiveProvider() != "openrouter" {
		t.Fatalf("provider = %q", cfg.ActiveProvider())
	}
	if cfg.LogLevel() != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel())
	}
	if cfg.RetryMaxAttempts() != 7 {
		t.Fatalf("retry attempts = %d", cfg.RetryMaxAttempts())
	}
	if cfg.RetryBackoffBase() != 100*time.Millisecond {
		t.Fatalf("backoff base = %s", cfg.RetryBackoffBase())
	}
	// Unset fields keep their defaults.
	if cfg.RetryBackoffCap() != 8*time.Second {
		t.Fatalf("backoff cap = %s", cfg.RetryBackoffCap())
	}
	if cfg.MaxTurns() != 5 {
		t.Fatalf("max turns = %d", cfg.MaxTurns())
	}
	// An explicit zero disables the retry, it does not fall back.
	if cfg.HallucinationRetries() != 0 {
		t.Fatalf("hallucination retries = %d", cfg.HallucinationRetries())
	}
	if cfg.OpenRouterModel() != "openai/gpt-5.1" {
		t.Fatalf("openrouter model = %q", cfg.OpenRouterModel())
	}
	if cfg.OpenRouterBaseURL() != "https://example.test/v1" {
		t.Fatalf("openrouter base url = %q", cfg.OpenRouterBaseURL())
	}
	if cfg.AnthropicMaxTokens() != 1024 {
		t.Fatalf("anthropic max tokens = %d", cfg.AnthropicMaxTokens())
	}
	if cfg.OpenAIModel() != "gpt-5.1" {
		t.Fatalf("openai model = %q", cfg.OpenAIModel())
	}
}

func TestLoadFromPathMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadFromPath(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ActiveProvider() != "openai" {
		t.Fatalf("provider = %q", cfg.ActiveProvider())
	}
}

func TestLoadFromPathRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("provider = [oops"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadFromPath(path); err == nil {
		t.Fatal("malformed config must be rejected")
	}
}

func TestAPIKeysFallBackToEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("OPENROUTER_API_KEY", " or-env ")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := DefaultConfig()
	if got := cfg.OpenAIAPIKey(); got != "sk-env" {
		t.Fatalf("openai key = %q", got)
	}
	if got := cfg.OpenRouterAPIKey(); got != "or-env" {
		t.Fatalf("openrouter key = %q", got)
	}
	if got := cfg.AnthropicAPIKey(); got != "" {
		t.Fatalf("anthropic key = %q", got)
	}

	cfg.Providers.OpenAI.APIKey = "sk-file"
	if got := cfg.OpenAIAPIKey(); got != "sk-file" {
		t.Fatalf("config key must win over env, got %q", got)
	}
}

func TestReasoningEffortIsNormalized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers.OpenAI.ReasoningEffort = "  High "
	if got := cfg.OpenAIReasoningEffort(); got != "high" {
		t.Fatalf("effort = %q", got)
	}
	cfg.Providers.OpenRouter.ReasoningEffort = "MEDIUM"
	if got := cfg.OpenRouterReasoningEffort(); got != "medium" {
		t.Fatalf("effort = %q", got)
	}
}
