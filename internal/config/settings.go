package config

import (
	"errors"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultProvider          = "openai"
	defaultOpenAIModel       = "gpt-5.1"
	defaultOpenRouterModel   = "anthropic/claude-sonnet-4.5"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultAnthropicModel    = "claude-sonnet-4-5"

	defaultRetryMaxAttempts     = 4
	defaultRetryBackoffBaseMS   = 500
	defaultRetryBackoffCapMS    = 8000
	defaultMaxTurns             = 20
	defaultFailureThreshold     = 3
	defaultHallucinationRetries = 2
	defaultAnthropicMaxTokens   = 8192
)

type Config struct {
	Provider  string          `toml:"provider"`
	Logging   LoggingConfig   `toml:"logging"`
	Retry     RetryConfig     `toml:"retry"`
	Agent     AgentConfig     `toml:"agent"`
	Providers ProvidersConfig `toml:"providers"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

type RetryConfig struct {
	MaxAttempts   int `toml:"max_attempts"`
	BackoffBaseMS int `toml:"backoff_base_ms"`
	BackoffCapMS  int `toml:"backoff_cap_ms"`
}

type AgentConfig struct {
	MaxTurns             int    `toml:"max_turns"`
	FailureThreshold     int    `toml:"failure_threshold"`
	HallucinationRetries *int   `toml:"hallucination_retries"`
	WorkDir              string `toml:"work_dir"`
}

type ProvidersConfig struct {
	OpenAI     OpenAIConfig     `toml:"openai"`
	OpenRouter OpenRouterConfig `toml:"openrouter"`
	Anthropic  AnthropicConfig  `toml:"anthropic"`
}

type OpenAIConfig struct {
	APIKey          string `toml:"api_key"`
	BaseURL         string `toml:"base_url"`
	Model           string `toml:"model"`
	ReasoningEffort string `toml:"reasoning_effort"`
}

type OpenRouterConfig struct {
	APIKey          string `toml:"api_key"`
	BaseURL         string `toml:"base_url"`
	Model           string `toml:"model"`
	ReasoningEffort string `toml:"reasoning_effort"`
}

type AnthropicConfig struct {
	APIKey    string `toml:"api_key"`
	BaseURL   string `toml:"base_url"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
}

func DefaultConfig() Config {
	return Config{
		Provider: defaultProvider,
		Logging:  LoggingConfig{Level: "info"},
		Retry: RetryConfig{
			MaxAttempts:   defaultRetryMaxAttempts,
			BackoffBaseMS: defaultRetryBackoffBaseMS,
			BackoffCapMS:  defaultRetryBackoffCapMS,
		},
		Agent: AgentConfig{
			MaxTurns:         defaultMaxTurns,
			FailureThreshold: defaultFailureThreshold,
		},
		Providers: ProvidersConfig{
			OpenAI:     OpenAIConfig{Model: defaultOpenAIModel},
			OpenRouter: OpenRouterConfig{Model: defaultOpenRouterModel, BaseURL: defaultOpenRouterBaseURL},
			Anthropic:  AnthropicConfig{Model: defaultAnthropicModel, MaxTokens: defaultAnthropicMaxTokens},
		},
	}
}

func Load() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Config{}, err
	}
	return loadFromPath(path)
}

func loadFromPath(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := readTOML(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}

func (c Config) ActiveProvider() string {
	provider := strings.ToLower(strings.TrimSpace(c.Provider))
	if provider == "" {
		return defaultProvider
	}
	return provider
}

func (c Config) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

func (c Config) RetryMaxAttempts() int {
	if c.Retry.MaxAttempts <= 0 {
		return defaultRetryMaxAttempts
	}
	return c.Retry.MaxAttempts
}

func (c Config) RetryBackoffBase() time.Duration {
	ms := c.Retry.BackoffBaseMS
	if ms <= 0 {
		ms = defaultRetryBackoffBaseMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (c Config) RetryBackoffCap() time.Duration {
	ms := c.Retry.BackoffCapMS
	if ms <= 0 {
		ms = defaultRetryBackoffCapMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (c Config) MaxTurns() int {
	if c.Agent.MaxTurns <= 0 {
		return defaultMaxTurns
	}
	return c.Agent.MaxTurns
}

func (c Config) FailureThreshold() int {
	if c.Agent.FailureThreshold <= 0 {
		return defaultFailureThreshold
	}
	return c.Agent.FailureThreshold
}

func (c Config) HallucinationRetries() int {
	if c.Agent.HallucinationRetries == nil || *c.Agent.HallucinationRetries < 0 {
		return defaultHallucinationRetries
	}
	return *c.Agent.HallucinationRetries
}

func (c Config) WorkDir() string {
	dir := strings.TrimSpace(c.Agent.WorkDir)
	if dir != "" {
		return dir
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// OpenAIAPIKey falls back to OPENAI_API_KEY so the config file never has to
// hold the credential.
func (c Config) OpenAIAPIKey() string {
	if key := strings.TrimSpace(c.Providers.OpenAI.APIKey); key != "" {
		return key
	}
	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func (c Config) OpenAIBaseURL() string {
	return strings.TrimSpace(c.Providers.OpenAI.BaseURL)
}

func (c Config) OpenAIModel() string {
	model := strings.TrimSpace(c.Providers.OpenAI.Model)
	if model == "" {
		return defaultOpenAIModel
	}
	return model
}

func (c Config) OpenAIReasoningEffort() string {
	return strings.ToLower(strings.TrimSpace(c.Providers.OpenAI.ReasoningEffort))
}

func (c Config) OpenRouterAPIKey() string {
	if key := strings.TrimSpace(c.Providers.OpenRouter.APIKey); key != "" {
		return key
	}
	return strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY"))
}

func (c Config) OpenRouterBaseURL() string {
	url := strings.TrimSpace(c.Providers.OpenRouter.BaseURL)
	if url == "" {
		return defaultOpenRouterBaseURL
	}
	return strings.TrimRight(url, "/")
}

func (c Config) OpenRouterModel() string {
	model := strings.TrimSpace(c.Providers.OpenRouter.Model)
	if model == "" {
		return defaultOpenRouterModel
	}
	return model
}

func (c Config) OpenRouterReasoningEffort() string {
	return strings.ToLower(strings.TrimSpace(c.Providers.OpenRouter.ReasoningEffort))
}

func (c Config) AnthropicAPIKey() string {
	if key := strings.TrimSpace(c.Providers.Anthropic.APIKey); key != "" {
		return key
	}
	return strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
}

func (c Config) AnthropicBaseURL() string {
	return strings.TrimSpace(c.Providers.Anthropic.BaseURL)
}

func (c Config) AnthropicModel() string {
	model := strings.TrimSpace(c.Providers.Anthropic.Model)
	if model == "" {
		return defaultAnthropicModel
	}
	return model
}

func (c Config) AnthropicMaxTokens() int {
	if c.Providers.Anthropic.MaxTokens <= 0 {
		return defaultAnthropicMaxTokens
	}
	return c.Providers.Anthropic.MaxTokens
}
