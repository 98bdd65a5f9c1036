// Package elog is the engine's structured logger, grounded on
// _examples/cuemby-warren/pkg/log: a package-level zerolog.Logger, an Init
// that picks console or JSON output, and WithComponent child loggers so
// each background worker (checkpoint, flusher, copier) tags its lines.
package elog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-wide default. Init replaces it; packages that run
// before Init (e.g. unit tests) get a quiet console logger at warn level.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.WarnLevel).
		With().Timestamp().Logger()
}

// Level mirrors the handful of levels the engine cares about.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the package logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init installs the package-wide logger. Safe to call once at engine Open
// time; not safe for concurrent use with logging calls.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.JSONOutput {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// WithComponent returns a child logger tagging every line with component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
