// Package logging builds the process-wide structured logger and a few
// panic-recovery helpers shared by every task in the pipeline.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New builds a zerolog.Logger per Config: JSON to stderr by default, or a
// zerolog.ConsoleWriter for local development.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stderr

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().Timestamp().Str("service", "ethhookd").Logger()
}

// Component derives a child logger tagged with a component name, the way
// every subsystem in this pipeline names its logger.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// RecoverAndLog recovers a panic in the current goroutine and logs it with a
// stack trace. It must be deferred directly (defer RecoverAndLog(...)), since
// recover only takes effect in the deferred call itself. Callers use this
// at the top of any long-lived task so a single bad event can never take
// the process down; the supervisor restarts the task instead.
func RecoverAndLog(logger zerolog.Logger, taskName string) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic_value", r).
			Str("task", taskName).
			Str("stack_trace", string(debug.Stack())).
			Msg("task panic recovered, task will be restarted")
	}
}
