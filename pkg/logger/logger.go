package logger

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the logger
func Init(level, format string) {
	// Set log level
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Set format
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

// Get returns the global logger
func Get() zerolog.Logger {
	return log.Logger
}

// Service returns a logger scoped to a named DICOM service, e.g. "c-store".
func Service(name string) zerolog.Logger {
	return log.Logger.With().Str("service", name).Logger()
}

// Association returns a logger scoped to one association's peer identity.
func Association(callingAE, calledAE, remoteAddr string) zerolog.Logger {
	return log.Logger.With().
		Str("calling_ae", callingAE).
		Str("called_ae", calledAE).
		Str("remote_addr", remoteAddr).
		Logger()
}
