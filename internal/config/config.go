// Package config loads the CLI configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kousw/codelia/internal/compaction"
	"github.com/kousw/codelia/internal/retry"
	"github.com/kousw/codelia/internal/toolcache"
)

// Config is the YAML configuration surface recognized by the CLI.
type Config struct {
	// Provider selects the transport: openai, openai-chat, or anthropic.
	Provider string `yaml:"provider"`

	// Model overrides the provider default.
	Model string `yaml:"model"`

	SystemPrompt    string `yaml:"system_prompt"`
	SessionKey      string `yaml:"session_key"`
	MaxIterations   int    `yaml:"max_iterations"`
	ToolChoice      string `yaml:"tool_choice"`
	RequireDoneTool bool   `yaml:"require_done_tool"`

	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`

	LLMMaxRetries           int   `yaml:"llm_max_retries"`
	LLMRetryBaseDelayMs     int   `yaml:"llm_retry_base_delay_ms"`
	LLMRetryMaxDelayMs      int   `yaml:"llm_retry_max_delay_ms"`
	LLMRetryableStatusCodes []int `yaml:"llm_retryable_status_codes"`

	// Compaction policy; an absent block disables the service entirely.
	Compaction *CompactionConfig `yaml:"compaction"`

	ToolOutputCache ToolOutputCacheConfig `yaml:"tool_output_cache"`
}

// OpenAIConfig holds the OpenAI transport settings.
type OpenAIConfig struct {
	APIKey                   string `yaml:"api_key"`
	BaseURL                  string `yaml:"base_url"`
	ReasoningEffort          string `yaml:"reasoning_effort"`
	WebsocketMode            string `yaml:"websocket_mode"`
	WebsocketAPIVersion      string `yaml:"websocket_api_version"`
	WebsocketConnectTimeout  int    `yaml:"websocket_connect_timeout_ms"`
	WebsocketResponseIdleMs  int    `yaml:"websocket_response_idle_timeout_ms"`
	ChatCompletions          bool   `yaml:"chat_completions"`
}

// AnthropicConfig holds the Anthropic transport settings.
type AnthropicConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	MaxOutputTokens int64  `yaml:"max_output_tokens"`
}

// CompactionConfig mirrors compaction.Config in YAML form.
type CompactionConfig struct {
	Enabled         *bool    `yaml:"enabled"`
	Auto            *bool    `yaml:"auto"`
	ThresholdRatio  float64  `yaml:"threshold_ratio"`
	Model           string   `yaml:"model"`
	SummaryPrompt   string   `yaml:"summary_prompt"`
	RetainPrompt    string   `yaml:"retain_prompt"`
	RetainLastTurns int      `yaml:"retain_last_turns"`
	Directives      []string `yaml:"directives"`
}

// Service maps the block to the compaction policy.
func (c *CompactionConfig) Service() compaction.Config {
	cfg := compaction.DefaultConfig()
	if c.Enabled != nil {
		cfg.Enabled = *c.Enabled
	}
	if c.Auto != nil {
		cfg.Auto = *c.Auto
	}
	if c.ThresholdRatio > 0 {
		cfg.ThresholdRatio = c.ThresholdRatio
	}
	cfg.Model = c.Model
	cfg.SummaryPrompt = c.SummaryPrompt
	cfg.RetainPrompt = c.RetainPrompt
	if c.RetainLastTurns > 0 {
		cfg.RetainLastTurns = c.RetainLastTurns
	}
	cfg.Directives = c.Directives
	return cfg
}

// ToolOutputCacheConfig mirrors toolcache.Config in YAML form.
type ToolOutputCacheConfig struct {
	Enabled             *bool `yaml:"enabled"`
	ContextBudgetTokens int64 `yaml:"context_budget_tokens"`
	TotalBudgetTrim     *bool `yaml:"total_budget_trim"`
	MaxMessageBytes     int   `yaml:"max_message_bytes"`
	MaxLineLength       int   `yaml:"max_line_length"`
}

// Service maps the block to the cache policy.
func (c ToolOutputCacheConfig) Service() toolcache.Config {
	cfg := toolcache.DefaultConfig()
	if c.Enabled != nil {
		cfg.Enabled = *c.Enabled
	}
	cfg.ContextBudgetTokens = c.ContextBudgetTokens
	cfg.TotalBudgetTrim = c.TotalBudgetTrim
	if c.MaxMessageBytes > 0 {
		cfg.MaxMessageBytes = c.MaxMessageBytes
	}
	if c.MaxLineLength > 0 {
		cfg.MaxLineLength = c.MaxLineLength
	}
	return cfg
}

// Retry maps the retry keys to the transport policy.
func (c *Config) Retry() retry.Config {
	cfg := retry.DefaultConfig()
	if c.LLMMaxRetries > 0 {
		cfg.MaxAttempts = c.LLMMaxRetries
	}
	if c.LLMRetryBaseDelayMs > 0 {
		cfg.BaseDelay = time.Duration(c.LLMRetryBaseDelayMs) * time.Millisecond
	}
	if c.LLMRetryMaxDelayMs > 0 {
		cfg.MaxDelay = time.Duration(c.LLMRetryMaxDelayMs) * time.Millisecond
	}
	if len(c.LLMRetryableStatusCodes) > 0 {
		cfg.RetryableStatusCodes = c.LLMRetryableStatusCodes
	}
	return cfg
}

// Load reads and parses the file, falling back to environment API keys.
func Load(path string) (*Config, error) {
	cfg := &Config{Provider: "openai"}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return cfg, nil
}
