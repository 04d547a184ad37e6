// Package logging is the quietable logger used by the server-facing
// components. It layers the ROLLGATE_DEBUG and ROLLGATE_TEST_MODE switches
// over the structured logger in pkg/logging.
package logging

import (
	"os"

	structured "github.com/rollgate/rollgate/pkg/logging"
)

// LogLevel orders message severities for the environment gate
type LogLevel int

const (
	// DebugLevel is for detailed debugging information
	DebugLevel LogLevel = iota
	// InfoLevel is for general informational messages
	InfoLevel
	// WarnLevel is for warning messages that indicate potential problems
	WarnLevel
	// ErrorLevel is for error messages that indicate serious problems
	ErrorLevel
)

// Logger filters printf-style messages before handing them to the
// structured backend. Test mode wins over debug when both are set, so test
// output stays readable.
type Logger struct {
	min     LogLevel
	backend *structured.Logger
}

// NewLogger creates a logger with the given prefix
func NewLogger(prefix string) *Logger {
	min := InfoLevel
	if os.Getenv("ROLLGATE_DEBUG") == "true" {
		min = DebugLevel
	}
	if os.Getenv("ROLLGATE_TEST_MODE") == "true" {
		min = ErrorLevel
	}
	return &Logger{
		min:     min,
		backend: structured.NewLogger(prefix),
	}
}

// Debugf logs a debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.min <= DebugLevel {
		l.backend.Debug(format, args...)
	}
}

// Infof logs an info message
func (l *Logger) Infof(format string, args ...interface{}) {
	if l.min <= InfoLevel {
		l.backend.Info(format, args...)
	}
}

// Warnf logs a warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.min <= WarnLevel {
		l.backend.Warn(format, args...)
	}
}

// Errorf logs an error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.min <= ErrorLevel {
		l.backend.Error(format, args...)
	}
}
