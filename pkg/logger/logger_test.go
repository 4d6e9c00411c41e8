package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/pkg/config"
)

func swapRoot(t *testing.T, replacement zerolog.Logger) {
	t.Helper()
	prev := root
	root = replacement
	t.Cleanup(func() { root = prev })
}

func TestWithComponent(t *testing.T) {
	t.Run("should tag entries with the component name", func(t *testing.T) {
		var buf bytes.Buffer
		swapRoot(t, zerolog.New(&buf))

		log := WithComponent("tree")
		log.Info().Msg("message added")
		assert.Contains(t, buf.String(), `"component":"tree"`)
		assert.Contains(t, buf.String(), "message added")
	})
}

func TestInit(t *testing.T) {
	t.Run("should create the log directory and write to the file", func(t *testing.T) {
		swapRoot(t, root)
		logFile := filepath.Join(t.TempDir(), "logs", "loom.log")
		config.Set(&config.Config{Logging: config.LoggingConfig{Level: "debug", LogFile: logFile}})
		t.Cleanup(func() { config.Set(nil) })

		require.NoError(t, Init())
		log := WithComponent("test")
		log.Debug().Msg("hello file")

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello file")
	})

	t.Run("should fall back to info on an unknown level", func(t *testing.T) {
		swapRoot(t, root)
		config.Set(&config.Config{Logging: config.LoggingConfig{Level: "extremely-verbose"}})
		t.Cleanup(func() { config.Set(nil) })

		require.NoError(t, Init())
		assert.Equal(t, zerolog.InfoLevel, root.GetLevel())
	})
}
