package membership

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the zerolog logger used across the core. Console
// writer in development, as wired by the pack's logiface-zerolog backend;
// with consoleWriter false it writes plain JSON to stderr instead, without
// touching call sites.
func NewLogger(component string, consoleWriter bool) zerolog.Logger {
	var w zerolog.ConsoleWriter
	var logger zerolog.Logger
	if consoleWriter {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		logger = zerolog.New(w)
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.With().Timestamp().Str("component", component).Logger()
}
