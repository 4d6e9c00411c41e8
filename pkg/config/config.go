package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Ollama  OllamaConfig  `mapstructure:"ollama"`
	History HistoryConfig `mapstructure:"history"`
	Usage   UsageConfig   `mapstructure:"usage"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	LogFile string `mapstructure:"log_file"`
	Pretty  bool   `mapstructure:"pretty"`
}

// OllamaConfig holds Ollama-specific configuration
type OllamaConfig struct {
	URL          string        `mapstructure:"url"`
	DefaultModel string        `mapstructure:"default_model"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
	KeepAlive    string        `mapstructure:"keep_alive"`
	Think        bool          `mapstructure:"think"`
}

// HistoryConfig holds conversation persistence configuration
type HistoryConfig struct {
	Store       string `mapstructure:"store"`        // "memory" or "postgres"
	PostgresDSN string `mapstructure:"postgres_dsn"` // used when store is "postgres"
}

// UsageConfig holds token usage tracking configuration
type UsageConfig struct {
	UpdateInterval time.Duration `mapstructure:"update_interval"`
}

var (
	global *Config
	mu     sync.RWMutex
)

// SetDefaults registers every configuration default with viper. Called from
// the command layer before the config file is read.
func SetDefaults() {
	viper.SetDefault("ollama.url", "http://localhost:11434")
	viper.SetDefault("ollama.default_model", "qwen3:latest")
	viper.SetDefault("ollama.timeout", 90*time.Second)
	viper.SetDefault("ollama.keep_alive", "5m")
	viper.SetDefault("ollama.think", false)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.log_file", "")
	viper.SetDefault("logging.pretty", false)

	viper.SetDefault("history.store", "memory")
	viper.SetDefault("history.postgres_dsn", "")

	viper.SetDefault("usage.update_interval", 250*time.Millisecond)
}

// Load unmarshals the current viper state into the global Config. The
// OLLAMA_HOST environment variable overrides ollama.url, matching the
// convention of the ollama CLI itself.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if host := viper.GetString("OLLAMA_HOST"); host != "" {
		cfg.Ollama.URL = host
	}
	cfg.Ollama.URL = strings.TrimSuffix(cfg.Ollama.URL, "/")

	mu.Lock()
	global = &cfg
	mu.Unlock()

	return &cfg, nil
}

// Get returns the loaded global config, or defaults if Load was never
// called (useful in tests).
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()

	if global == nil {
		return &Config{
			Logging: LoggingConfig{Level: "info"},
			Ollama: OllamaConfig{
				URL:          "http://localhost:11434",
				DefaultModel: "qwen3:latest",
				Timeout:      90 * time.Second,
				KeepAlive:    "5m",
			},
			History: HistoryConfig{Store: "memory"},
			Usage:   UsageConfig{UpdateInterval: 250 * time.Millisecond},
		}
	}
	return global
}

// Set replaces the global config (useful in tests).
func Set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	global = cfg
}
