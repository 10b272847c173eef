package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var root = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures the process-wide logger. With pretty=true output goes
// through the console writer, otherwise structured JSON.
func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.DurationFieldUnit = time.Millisecond

	if pretty {
		root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		root = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// For returns a component-scoped sub-logger.
func For(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}
