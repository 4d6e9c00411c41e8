package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/loomchat/loom/pkg/config"
)

var root zerolog.Logger = zerolog.Nop()

// Init configures the package logger from the global config. When a log
// file is configured it becomes the sink; otherwise logs go to stderr.
func Init() error {
	settings := config.Get()

	level, err := zerolog.ParseLevel(settings.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var sink io.Writer = os.Stderr
	if settings.Logging.LogFile != "" {
		logDir := filepath.Dir(settings.Logging.LogFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(settings.Logging.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sink = file
	}

	if settings.Logging.Pretty {
		sink = zerolog.ConsoleWriter{Out: sink}
	}

	root = zerolog.New(sink).Level(level).With().Timestamp().Logger()
	return nil
}

// WithComponent returns a sub-logger tagged with the given component name.
func WithComponent(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}
