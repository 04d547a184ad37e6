package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevel represents the severity of a log message
type LogLevel int

// LogLevel constants, ordered so a logger's level is the minimum it emits
const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// levelFromEnv reads ROLLGATE_LOG_LEVEL, defaulting to INFO.
func levelFromEnv() LogLevel {
	switch strings.ToUpper(os.Getenv("ROLLGATE_LOG_LEVEL")) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// newHandler builds the slog backend: text by default, JSON when
// ROLLGATE_LOG_FORMAT=JSON. The handler itself is permissive; level
// filtering happens in the Logger so TRACE can stay distinct from DEBUG.
func newHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if strings.EqualFold(os.Getenv("ROLLGATE_LOG_FORMAT"), "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// contextKey is a private type for context keys to avoid collisions
type contextKey string

// CorrelationIDKey is the context key for correlation IDs
const CorrelationIDKey contextKey = "correlationID"

// Logger emits printf-style messages through slog with the component baked
// in as an attribute. Derived loggers share the component and level.
type Logger struct {
	component string
	level     LogLevel
	sl        *slog.Logger
}

// NewLogger creates a new logger for a specific component
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		level:     levelFromEnv(),
		sl:        slog.New(newHandler(os.Stdout)).With("component", component),
	}
}

// emit applies the level gate and formats the message. slog has no trace
// level, so TRACE rides on debug.
func (l *Logger) emit(lvl LogLevel, format string, args ...interface{}) {
	if lvl < l.level {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	switch lvl {
	case TRACE, DEBUG:
		l.sl.Debug(msg)
	case INFO:
		l.sl.Info(msg)
	case WARN:
		l.sl.Warn(msg)
	case ERROR:
		l.sl.Error(msg)
	}
}

// Trace logs a trace-level message
func (l *Logger) Trace(format string, args ...interface{}) {
	l.emit(TRACE, format, args...)
}

// Debug logs a debug-level message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.emit(DEBUG, format, args...)
}

// Info logs an info-level message
func (l *Logger) Info(format string, args ...interface{}) {
	l.emit(INFO, format, args...)
}

// Warn logs a warning-level message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.emit(WARN, format, args...)
}

// Error logs an error-level message
func (l *Logger) Error(format string, args ...interface{}) {
	l.emit(ERROR, format, args...)
}

func (l *Logger) derive(sl *slog.Logger) *Logger {
	return &Logger{component: l.component, level: l.level, sl: sl}
}

// WithCorrelation returns a logger that stamps every message with the
// correlation ID.
func (l *Logger) WithCorrelation(correlationID string) *Logger {
	return l.derive(l.sl.With("correlation_id", correlationID))
}

// WithContext returns a logger carrying the context's correlation ID, or
// the receiver unchanged when the context has none.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return l.WithCorrelation(id)
	}
	return l
}

// WithFields returns a logger with additional attributes on every message.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.derive(l.sl.With(args...))
}

// IsTraceEnabled returns true if trace logging is enabled
func (l *Logger) IsTraceEnabled() bool {
	return l.level <= TRACE
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= DEBUG
}
