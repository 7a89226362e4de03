package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It writes JSON to stderr until Init runs.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a textual log level as found in the configuration
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	// Output defaults to stderr so stdout stays free for CLI output
	Output io.Writer
}

// Init replaces the global logger. Unknown levels fall back to info.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel maps a configured level to zerolog
func ParseLevel(level Level) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithOperation creates a child logger carrying the fields every driver
// call logs. Empty values are left out.
func WithOperation(component, appID, daemon, operation string) zerolog.Logger {
	ctx := Logger.With().Str("component", component)
	if appID != "" {
		ctx = ctx.Str("appid", appID)
	}
	if daemon != "" {
		ctx = ctx.Str("daemon", daemon)
	}
	return ctx.Str("operation", operation).Logger()
}

// Warnf logs a formatted warning on the global logger
func Warnf(format string, args ...interface{}) {
	Logger.Warn().Msg(fmt.Sprintf(format, args...))
}
