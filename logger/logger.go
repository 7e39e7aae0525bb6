// Package logger wraps zerolog behind a process-global logger with a small
// leveled API.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

// Level is a textual logging level: DEBUG, INFO, WARN or ERROR.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

func toLevelValue(level Level) zerolog.Level {
	switch strings.ToUpper(string(level)) {
	case string(LevelDebug):
		return zerolog.DebugLevel
	case string(LevelInfo):
		return zerolog.InfoLevel
	case string(LevelWarn), "WARNING":
		return zerolog.WarnLevel
	case string(LevelError), "CRITICAL":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the global logger at the given level with human-readable
// console output.
func Init(level Level) {
	InitWithWriter(level, os.Stdout)
}

// InitWithWriter initializes the logger with a custom writer, useful in
// tests.
func InitWithWriter(level Level, w io.Writer) {
	zLevel := toLevelValue(level)
	zerolog.SetGlobalLevel(zLevel)
	log = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).Level(zLevel).With().Timestamp().Logger()
}

// Debug starts a debug-level log event.
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info starts an info-level log event.
func Info() *zerolog.Event {
	return log.Info()
}

// Warn starts a warning-level log event.
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error starts an error-level log event.
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal logs and exits.
func Fatal() *zerolog.Event {
	return log.Fatal()
}

// With creates a child logger context with additional fields.
func With() zerolog.Context {
	return log.With()
}
