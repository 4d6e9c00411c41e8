package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	Set(nil)
	t.Cleanup(func() {
		viper.Reset()
		Set(nil)
	})
}

func TestLoad(t *testing.T) {
	t.Run("should load defaults", func(t *testing.T) {
		resetConfig(t)
		SetDefaults()

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:11434", cfg.Ollama.URL)
		assert.Equal(t, "qwen3:latest", cfg.Ollama.DefaultModel)
		assert.Equal(t, 90*time.Second, cfg.Ollama.Timeout)
		assert.Equal(t, "5m", cfg.Ollama.KeepAlive)
		assert.False(t, cfg.Ollama.Think)
		assert.Equal(t, "memory", cfg.History.Store)
		assert.Equal(t, 250*time.Millisecond, cfg.Usage.UpdateInterval)
	})

	t.Run("should strip a trailing slash from the server URL", func(t *testing.T) {
		resetConfig(t)
		SetDefaults()
		viper.Set("ollama.url", "http://example.local:11434/")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "http://example.local:11434", cfg.Ollama.URL)
	})

	t.Run("should let OLLAMA_HOST override the configured URL", func(t *testing.T) {
		resetConfig(t)
		SetDefaults()
		t.Setenv("OLLAMA_HOST", "http://otherhost:11434")
		viper.AutomaticEnv()

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "http://otherhost:11434", cfg.Ollama.URL)
	})

	t.Run("should publish the loaded config globally", func(t *testing.T) {
		resetConfig(t)
		SetDefaults()
		viper.Set("ollama.default_model", "llama3:8b")

		_, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "llama3:8b", Get().Ollama.DefaultModel)
	})
}

func TestGet(t *testing.T) {
	t.Run("should fall back to defaults before Load is called", func(t *testing.T) {
		resetConfig(t)

		cfg := Get()
		assert.Equal(t, "http://localhost:11434", cfg.Ollama.URL)
		assert.Equal(t, "memory", cfg.History.Store)
	})
}
