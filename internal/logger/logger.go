// Package logger configures the process-wide operational logger.
package logger

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the operational logger. It is called once from main and the
// result is passed down explicitly.
func Setup(debug bool, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()

	if debug {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
			With().Caller().Logger()
	}

	return logger
}
