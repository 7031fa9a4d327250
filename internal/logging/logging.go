// Package logging builds the transport's zerolog logger, mirroring
// auth-service/app/logger/logger.go: level from LOG_LEVEL, console vs.
// JSON writer from LOG_FORMAT.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a base logger tagged with the given component name.
func New(component string) zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if os.Getenv("LOG_FORMAT") == "json" {
		base = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger().Level(level)
	}

	return base.With().Str("component", component).Logger()
}
