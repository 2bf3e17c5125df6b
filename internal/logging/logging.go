// Package logging builds the hub's structured zerolog loggers.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Options selects level and output format for the root logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New creates the root logger. All component loggers derive from it via
// Component so every line carries service and component fields.
func New(opts Options) zerolog.Logger {
	var level zerolog.Level
	switch opts.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if opts.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", "ubridge-hub").
		Logger()
}

// Component derives a logger scoped to one hub component.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// RecoverPanic logs a recovered goroutine panic and keeps the process
// running. Use in the defer block of every long-lived goroutine.
//
//	go func() {
//	    defer logging.RecoverPanic(logger, "writePump")
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutine string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("Goroutine panic recovered")
	}
}
