// Package core holds the ambient pieces every orchestration component shares.
package core

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Logger is the logging interface used across the orchestrator.
// Implement this interface to use a custom logger (e.g., logrus, zap).
type Logger interface {
	// Debug logs a debug message
	Debug(format string, args ...interface{})

	// Info logs an info message
	Info(format string, args ...interface{})

	// Warn logs a warning message
	Warn(format string, args ...interface{})

	// Error logs an error message
	Error(format string, args ...interface{})
}

// LogLevel represents the logging level.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelSilent
)

// ParseLogLevel converts a config string into a LogLevel. Unknown values map to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	case "silent", "off", "none":
		return LogLevelSilent
	default:
		return LogLevelInfo
	}
}

// DefaultLogger is the default logger implementation using standard library.
type DefaultLogger struct {
	mu     sync.RWMutex
	level  LogLevel
	prefix string
	logger *log.Logger
}

// NewDefaultLogger creates a new default logger.
func NewDefaultLogger(prefix string, level LogLevel) *DefaultLogger {
	return &DefaultLogger{
		level:  level,
		prefix: prefix,
		logger: log.New(os.Stderr, "", log.LstdFlags),
	}
}

// With returns a logger that shares output and level but uses a new prefix.
func (l *DefaultLogger) With(prefix string) *DefaultLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &DefaultLogger{level: l.level, prefix: prefix, logger: l.logger}
}

// SetOutput sets the output writer.
func (l *DefaultLogger) SetOutput(w io.Writer) {
	l.logger.SetOutput(w)
}

// SetLevel sets the log level.
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *DefaultLogger) enabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level <= level
}

// Debug logs a debug message.
func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	if l.enabled(LogLevelDebug) {
		l.log("DEBUG", format, args...)
	}
}

// Info logs an info message.
func (l *DefaultLogger) Info(format string, args ...interface{}) {
	if l.enabled(LogLevelInfo) {
		l.log("INFO", format, args...)
	}
}

// Warn logs a warning message.
func (l *DefaultLogger) Warn(format string, args ...interface{}) {
	if l.enabled(LogLevelWarn) {
		l.log("WARN", format, args...)
	}
}

// Error logs an error message.
func (l *DefaultLogger) Error(format string, args ...interface{}) {
	if l.enabled(LogLevelError) {
		l.log("ERROR", format, args...)
	}
}

func (l *DefaultLogger) log(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		l.logger.Printf("[%s] [%s] %s", l.prefix, level, msg)
	} else {
		l.logger.Printf("[%s] %s", level, msg)
	}
}

// NopLogger is a no-op logger that discards all messages.
type NopLogger struct{}

func (l *NopLogger) Debug(format string, args ...interface{}) {}
func (l *NopLogger) Info(format string, args ...interface{})  {}
func (l *NopLogger) Warn(format string, args ...interface{})  {}
func (l *NopLogger) Error(format string, args ...interface{}) {}

// LoggerFromVerbose creates a logger based on verbose flag.
// If verbose is true, debug messages are printed; otherwise only info and up.
func LoggerFromVerbose(prefix string, verbose bool) Logger {
	if verbose {
		return NewDefaultLogger(prefix, LogLevelDebug)
	}
	return NewDefaultLogger(prefix, LogLevelInfo)
}

// OrDefault returns l, or a DefaultLogger with prefix when l is nil.
func OrDefault(l Logger, prefix string) Logger {
	if l != nil {
		return l
	}
	return NewDefaultLogger(prefix, LogLevelInfo)
}

// Ensure implementations satisfy the interface
var (
	_ Logger = (*DefaultLogger)(nil)
	_ Logger = (*NopLogger)(nil)
)
