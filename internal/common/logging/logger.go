// Package logging provides the structured logger used across the router.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the minimum severity a logger emits.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level, defaulting to InfoLevel.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the structured logging interface every component depends on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	WithFields(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
}

// Config controls logger construction.
type Config struct {
	Level  Level
	Output io.Writer
	// Format is "console" (default) or "json".
	Format string
	Name   string
}

var (
	globalLogger Logger
	globalMu     sync.RWMutex
	initOnce     sync.Once
)

// SetGlobalLogger replaces the process-wide logger.
func SetGlobalLogger(logger Logger) {
	initOnce.Do(func() {})
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the process-wide logger, creating a stdout logger
// on first use.
func GetGlobalLogger() Logger {
	initOnce.Do(func() {
		globalLogger = mustLogger(Config{Level: ParseLevel(os.Getenv("LOG_LEVEL"))})
	})
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// InitGlobalLogger configures the global logger from LOG_LEVEL, LOG_FORMAT
// and LOG_FILE. Without LOG_FILE entries go to stdout. The returned closer
// releases the log file, if one was opened.
func InitGlobalLogger() (io.Closer, error) {
	cfg := Config{
		Level:  ParseLevel(os.Getenv("LOG_LEVEL")),
		Format: os.Getenv("LOG_FORMAT"),
		Name:   "message-router",
	}

	var closer io.Closer = nopCloser{}
	if path := os.Getenv("LOG_FILE"); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		cfg.Output = file
		closer = file
	}

	logger, err := NewZapLogger(cfg)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	SetGlobalLogger(logger)

	logger.Info("Logger initialized",
		String("level", cfg.Level.String()),
		String("format", formatOrDefault(cfg.Format)),
	)
	return closer, nil
}

// MustSync flushes buffered entries of the global logger.
func MustSync() {
	if z, ok := GetGlobalLogger().(*ZapAdapter); ok {
		_ = z.Sync()
	}
}

func Debug(msg string, fields ...Field) { GetGlobalLogger().Debug(msg, fields...) }
func Info(msg string, fields ...Field) { GetGlobalLogger().Info(msg, fields...) }
func Warn(msg string, fields ...Field) { GetGlobalLogger().Warn(msg, fields...) }

func Error(msg string, err error, fields ...Field) {
	GetGlobalLogger().Error(msg, err, fields...)
}

// WithFields returns the global logger with extra fields.
func WithFields(fields ...Field) Logger {
	return GetGlobalLogger().WithFields(fields...)
}

// WithComponent is shorthand for a global logger tagged with a component name.
func WithComponent(name string) Logger {
	return GetGlobalLogger().WithFields(String("component", name))
}

func String(key, value string) Field { return Field{Key: key, Value: value} }
func Strings(key string, values []string) Field { return Field{Key: key, Value: values} }
func Int(key string, value int) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }
func Duration(key string, d time.Duration) Field { return Field{Key: key, Value: d} }
func Any(key string, value interface{}) Field { return Field{Key: key, Value: value} }
func Err(err error) Field { return Field{Key: "error", Value: err} }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// nopLogger discards everything.
type nopLogger struct{}

// NewNopLogger returns a Logger that discards all entries.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field) {}
func (nopLogger) Warn(string, ...Field) {}
func (nopLogger) Error(string, error, ...Field) {}
func (n nopLogger) WithFields(...Field) Logger { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }

func mustLogger(cfg Config) Logger {
	logger, err := NewZapLogger(cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize default zap logger: %v", err))
	}
	return logger
}

func formatOrDefault(format string) string {
	if format == "" {
		return "console"
	}
	return format
}
