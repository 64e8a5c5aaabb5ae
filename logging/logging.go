// Package logging wraps zerolog the way the rest of the stack expects to call it:
// cheap printf-style helpers for the common case, with the structured builder
// still reachable for call sites that want fields attached.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the facade every package in this module logs through.
type Logger struct {
	z zerolog.Logger
}

// New builds a Logger. Pretty-printed console output unless env is "production",
// in which case it emits line-delimited JSON.
func New(component string, env string) Logger {
	var w io.Writer = os.Stderr
	if env != "production" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	z := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	return Logger{z: z}
}

// Nop returns a Logger that discards everything, for tests that don't care.
func Nop() Logger {
	return Logger{z: zerolog.Nop()}
}

func (l Logger) Infof(format string, args ...interface{}) {
	l.z.Info().Msgf(format, args...)
}

func (l Logger) Warnf(format string, args ...interface{}) {
	l.z.Warn().Msgf(format, args...)
}

func (l Logger) Errorf(format string, args ...interface{}) {
	l.z.Error().Msgf(format, args...)
}

func (l Logger) Debugf(format string, args ...interface{}) {
	l.z.Debug().Msgf(format, args...)
}

// With returns the underlying zerolog event builder for structured call sites,
// e.g. logging.New(...).With().Str("symbol", sym).Msg("...").
func (l Logger) With() zerolog.Context {
	return l.z.With()
}

func (l Logger) Raw() zerolog.Logger {
	return l.z
}
