// internal/logger/logger.go
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger. Format "console" gives human-readable,
// colorized output; anything else writes JSON lines.
func Init(level, format string) zerolog.Logger {
	var out io.Writer = os.Stderr
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return install(out, level)
}

// InitFile configures the global logger to write JSON lines to path and to stderr.
// It is used by the restore worker, which usually runs without a terminal.
func InitFile(level, path string) (zerolog.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return zerolog.Nop(), nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	return install(zerolog.MultiLevelWriter(f, os.Stderr), level), f, nil
}

func install(out io.Writer, level string) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(level))
	log.Logger = zerolog.New(out).With().Timestamp().Caller().Logger()
	return log.Logger
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
