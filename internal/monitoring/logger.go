package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string // minimum log level: debug, info, warn, error
	Format string // "json" or "pretty"
}

// NewLogger creates the process-wide structured logger. Components derive
// child loggers with logger.With().Str("component", ...).
//
// Example:
//
//	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
//	logger.Info().Str("component", "server").Msg("listening")
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "revurb").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and keeps the process
// alive. Deferred at the top of every long-lived goroutine (pumps, bus
// handlers, jobs).
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("goroutine panic recovered")
	}
}
