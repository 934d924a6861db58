// Package config handles nudge configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/nudge/internal/scheduler"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/nudge/config.yaml, /etc/nudge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nudge", "config.yaml"))
	}

	paths = append(paths, "/etc/nudge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all nudge configuration.
type Config struct {
	DataDir      string            `yaml:"data_dir"`
	LogLevel     string            `yaml:"log_level"`
	LogFormat    string            `yaml:"log_format"` // "text" (default) or "json"
	Timezone     string            `yaml:"timezone"`   // Default IANA zone for users who never set one
	SystemPrompt string            `yaml:"system_prompt"`
	OpenAI       OpenAIConfig      `yaml:"openai"`
	Models       ModelsConfig      `yaml:"models"`
	Concurrency  ConcurrencyConfig `yaml:"concurrency"`
	Reminders    SchedulerConfig   `yaml:"reminders"`
	SelfCalls    SelfCallConfig    `yaml:"self_calls"`
	Telegram     TelegramConfig    `yaml:"telegram"`
	MQTT         MQTTConfig        `yaml:"mqtt"`
}

// OpenAIConfig defines the Responses API connection.
type OpenAIConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the per-request backend timeout.
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ModelsConfig defines the default model and the price table.
type ModelsConfig struct {
	Default string `yaml:"default"`

	// FlatPricePer1K is charged per 1000 total tokens when the backend
	// does not break usage down into input and output tokens.
	FlatPricePer1K float64 `yaml:"flat_price_per_1k"`

	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry holds USD prices per 1000 tokens for a single model.
type PricingEntry struct {
	InputPer1K       float64 `yaml:"input_per_1k"`
	CachedInputPer1K float64 `yaml:"cached_input_per_1k"`
	OutputPer1K      float64 `yaml:"output_per_1k"`
}

// ConcurrencyConfig caps in-flight backend calls.
type ConcurrencyConfig struct {
	Global          int `yaml:"global"`
	PerConversation int `yaml:"per_conversation"`
}

// SchedulerConfig is shared by the reminder and self-call pollers.
type SchedulerConfig struct {
	Enabled         bool `yaml:"enabled"`
	PollIntervalSec int  `yaml:"poll_interval_sec"`
	BatchLimit      int  `yaml:"batch_limit"`
	LookaheadSec    int  `yaml:"lookahead_sec"`
	JitterSec       int  `yaml:"jitter_sec"`
	DefaultSilent   bool `yaml:"default_silent"`

	// Phrase asks the model to word reminder deliveries. When false
	// the templated fallback is always used.
	Phrase bool `yaml:"phrase"`
}

// PollInterval returns the sleep between polls.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// Lookahead returns how far ahead of due_at rows are picked up.
func (c SchedulerConfig) Lookahead() time.Duration {
	return time.Duration(c.LookaheadSec) * time.Second
}

// Jitter returns the ± window applied before each delivery.
func (c SchedulerConfig) Jitter() time.Duration {
	return time.Duration(c.JitterSec) * time.Second
}

// SelfCallConfig extends the poller settings with a floor on how soon
// the model may schedule its next follow-up.
type SelfCallConfig struct {
	SchedulerConfig `yaml:",inline"`
	MinIntervalSec  int `yaml:"min_interval_sec"`
}

// MinInterval returns the minimum delay between chained self-calls.
func (c SelfCallConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSec) * time.Second
}

// TelegramConfig defines the Bot API connection.
type TelegramConfig struct {
	Token          string  `yaml:"token"`
	PollTimeoutSec int     `yaml:"poll_timeout_sec"`
	AllowedChats   []int64 `yaml:"allowed_chats"` // Empty allows every chat
}

// Configured reports whether a bot token is present.
func (c TelegramConfig) Configured() bool {
	return c.Token != ""
}

// MQTTConfig defines the optional MQTT delivery mirror.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	TopicPrefix        string `yaml:"topic_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker URL is present.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and unset keys keep the values
// from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir:      "./data",
		LogLevel:     "info",
		LogFormat:    "text",
		Timezone:     "UTC",
		SystemPrompt: "You are a helpful assistant.",
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com",
			TimeoutSec: 180,
		},
		Models: ModelsConfig{
			Default:        "gpt-4o-mini",
			FlatPricePer1K: 0.002,
			Pricing: map[string]PricingEntry{
				"gpt-4o-mini": {InputPer1K: 0.00015, CachedInputPer1K: 0.000075, OutputPer1K: 0.0006},
				"gpt-4o":      {InputPer1K: 0.0025, CachedInputPer1K: 0.00125, OutputPer1K: 0.01},
			},
		},
		Concurrency: ConcurrencyConfig{Global: 4, PerConversation: 1},
		Reminders: SchedulerConfig{
			Enabled:         true,
			PollIntervalSec: 10,
			BatchLimit:      5,
			Phrase:          true,
		},
		SelfCalls: SelfCallConfig{
			SchedulerConfig: SchedulerConfig{
				Enabled:         true,
				PollIntervalSec: 10,
				BatchLimit:      5,
			},
			MinIntervalSec: 60,
		},
		Telegram: TelegramConfig{PollTimeoutSec: 30},
		MQTT: MQTTConfig{
			DeviceName:         "nudge",
			TopicPrefix:        "nudge",
			PublishIntervalSec: 60,
		},
	}
}

// Validate checks the configuration for values the runtime cannot work
// with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	if c.Concurrency.Global < 1 {
		errs = append(errs, fmt.Errorf("concurrency.global must be >= 1, got %d", c.Concurrency.Global))
	}
	if c.Concurrency.PerConversation < 1 {
		errs = append(errs, fmt.Errorf("concurrency.per_conversation must be >= 1, got %d", c.Concurrency.PerConversation))
	}

	errs = append(errs, c.Reminders.validate("reminders")...)
	errs = append(errs, c.SelfCalls.validate("self_calls")...)
	if c.SelfCalls.MinIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("self_calls.min_interval_sec must be >= 0"))
	}

	return errors.Join(errs...)
}

func (c SchedulerConfig) validate(section string) []error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.PollIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("%s.poll_interval_sec must be >= 1", section))
	}
	if c.BatchLimit < 1 {
		errs = append(errs, fmt.Errorf("%s.batch_limit must be >= 1", section))
	}
	if c.LookaheadSec < 0 || c.JitterSec < 0 {
		errs = append(errs, fmt.Errorf("%s lookahead and jitter must be >= 0", section))
	}
	// A worker still waiting out lookahead and jitter must not lose its
	// claim to the next poll.
	if c.Lookahead()+c.Jitter() >= scheduler.StaleAfter {
		errs = append(errs, fmt.Errorf("%s: lookahead_sec + jitter_sec must stay below the %s claim window", section, scheduler.StaleAfter))
	}
	return errs
}
