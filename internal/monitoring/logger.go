package monitoring

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hengadev/keyguard"
)

// LogFormat represents the output format for logs
type LogFormat int

const (
	FormatJSON LogFormat = iota
	FormatText
)

// LoggerConfig configures the structured logger
type LoggerConfig struct {
	Level     slog.Level
	Format    LogFormat
	Output    io.Writer
	Component string

	// Trace adds the active span's trace and span ids to every record.
	Trace bool
}

// NewLogger builds a slog logger tagged with the service name, version and
// component.
func NewLogger(config LoggerConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.Level <= slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			return a
		},
	}

	var handler slog.Handler
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(config.Output, opts)
	default:
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	if config.Trace {
		handler = NewTraceHandler(handler)
	}

	logger := slog.New(handler).With("service", "keyguard", "version", keyguard.Version)
	if config.Component != "" {
		logger = logger.With("component", config.Component)
	}
	return logger
}

// ParseLevel maps debug, info, warn and error (case-insensitive) to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", keyguard.ErrInvalidConfiguration, s)
	}
}

// ParseFormat maps json and text to a LogFormat.
func ParseFormat(s string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "text":
		return FormatText, nil
	default:
		return FormatJSON, fmt.Errorf("%w: unknown log format %q", keyguard.ErrInvalidConfiguration, s)
	}
}
