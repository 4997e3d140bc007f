// Package obslog provides structured logging for refmd's realtime core
// using zerolog. Every service holds a component logger created via
// WithComponent rather than reaching for the package-level Logger
// directly, so log lines are always attributable to the subsystem that
// emitted them.
package obslog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once by Init.
var Logger zerolog.Logger

// Level is a configured log severity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init sets up the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Call once at process start, before
// any other package logs.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the subsystem name,
// e.g. "hydration", "awareness", "persistence-worker".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDocumentID returns a child logger tagged with a document ID.
// Accepts fmt.Stringer so callers can pass types.DocumentID directly.
func WithDocumentID(logger zerolog.Logger, docID fmt.Stringer) zerolog.Logger {
	return logger.With().Str("document_id", docID.String()).Logger()
}

// WithClientID returns a child logger tagged with an awareness client ID.
func WithClientID(logger zerolog.Logger, clientID uint64) zerolog.Logger {
	return logger.With().Uint64("client_id", clientID).Logger()
}
