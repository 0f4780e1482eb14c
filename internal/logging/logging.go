// Package logging builds the hclog loggers used across cpghunter.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/julianshen/cpghunter/internal/config"
)

// LevelEnv overrides logging.level when set.
const LevelEnv = "CPGHUNTER_LOG_LEVEL"

// NewLogger creates a logger from the logging section. The returned closer
// releases the log file, if one was opened.
func NewLogger(cfg config.LoggingConfig, name string) (hclog.Logger, io.Closer, error) {
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, os.Stderr)
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      determineLogLevel(cfg),
		Output:     out,
		JSONFormat: cfg.JSON,
	})
	return logger, closer, nil
}

// determineLogLevel returns the level from the environment variable if set,
// otherwise from the configuration. Defaults to INFO.
func determineLogLevel(cfg config.LoggingConfig) hclog.Level {
	if env := os.Getenv(LevelEnv); env != "" {
		return ParseLevel(env)
	}
	return ParseLevel(cfg.Level)
}

// ParseLevel converts a level name to an hclog.Level. Unknown names map to
// INFO.
func ParseLevel(level string) hclog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return hclog.Trace
	case "DEBUG":
		return hclog.Debug
	case "INFO", "":
		return hclog.Info
	case "WARN", "WARNING":
		return hclog.Warn
	case "ERROR":
		return hclog.Error
	case "OFF":
		return hclog.Off
	default:
		return hclog.Info
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
