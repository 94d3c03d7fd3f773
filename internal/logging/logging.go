// Package logging builds the process logger of the command line tool.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New creates a logger writing to stderr and installs it as the global logger. Console
// output is human readable, otherwise lines are JSON. Unknown levels fall back to info.
func New(app, level string, console bool) zerolog.Logger {
	return NewWriter(os.Stderr, app, level, console)
}

// NewWriter is New writing to w.
func NewWriter(w io.Writer, app, level string, console bool) zerolog.Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// ParseLevel parses a level name, info when empty or unknown.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}
