package core

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Logger interface for structured logging
// Implementations can provide custom logging behavior (e.g., integration with logrus, zap, etc.)
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Warn logs a warning message with optional fields
	Warn(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value any
}

// F creates a new Field with the given key and value
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// DefaultLogger writes through a log/slog logger.
type DefaultLogger struct {
	logger *slog.Logger
}

// NewDefaultLogger creates a logger that writes text records to stderr at Info level.
func NewDefaultLogger() *DefaultLogger {
	return NewDefaultLoggerWithLevel("INFO")
}

// NewDefaultLoggerWithLevel creates a stderr logger filtering below level
// (DEBUG, INFO, WARN or ERROR; unknown values mean INFO).
func NewDefaultLoggerWithLevel(level string) *DefaultLogger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLogLevel(level)})
	return &DefaultLogger{logger: slog.New(handler)}
}

// NewSlogLogger adapts an existing slog logger.
func NewSlogLogger(l *slog.Logger) *DefaultLogger {
	if l == nil {
		l = slog.Default()
	}
	return &DefaultLogger{logger: l}
}

// ParseLogLevel converts a level name to a slog level.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs a debug message
func (l *DefaultLogger) Debug(msg string, fields ...Field) {
	l.log(slog.LevelDebug, msg, fields...)
}

// Info logs an info message
func (l *DefaultLogger) Info(msg string, fields ...Field) {
	l.log(slog.LevelInfo, msg, fields...)
}

// Warn logs a warning message
func (l *DefaultLogger) Warn(msg string, fields ...Field) {
	l.log(slog.LevelWarn, msg, fields...)
}

// Error logs an error message
func (l *DefaultLogger) Error(msg string, fields ...Field) {
	l.log(slog.LevelError, msg, fields...)
}

func (l *DefaultLogger) log(level slog.Level, msg string, fields ...Field) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// NoOpLogger is a logger that discards all log messages
// Useful for tests or when logging is not desired
type NoOpLogger struct{}

// NewNoOpLogger creates a new NoOpLogger
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (l *NoOpLogger) Debug(msg string, fields ...Field) {}
func (l *NoOpLogger) Info(msg string, fields ...Field)  {}
func (l *NoOpLogger) Warn(msg string, fields ...Field)  {}
func (l *NoOpLogger) Error(msg string, fields ...Field) {}

// =============================================================================
// Process-wide logger
// =============================================================================

type loggerHolder struct{ Logger }

var globalLogger atomic.Pointer[loggerHolder]

func init() {
	globalLogger.Store(&loggerHolder{NewDefaultLogger()})
}

// SetLogger replaces the logger used by process-wide components
// (at-exit manager, executor registry, contract assertions). nil restores the default.
func SetLogger(l Logger) {
	if l == nil {
		l = NewDefaultLogger()
	}
	globalLogger.Store(&loggerHolder{l})
}

// GetLogger returns the process-wide logger.
func GetLogger() Logger {
	return globalLogger.Load().Logger
}
