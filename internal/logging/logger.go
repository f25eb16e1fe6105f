// Package logging provides structured logging for l1sentry.
// It wraps the standard library slog package with engine-specific defaults
// and convenience functions.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Level represents log levels
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger is the l1sentry structured logger
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	output io.Writer
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level
	Level Level

	// Output is the log output destination
	Output io.Writer

	// Format is the log format ("json" or "text")
	Format string

	// AddSource adds source file and line to log entries
	AddSource bool

	// TimeFormat is the time format for text output
	TimeFormat string
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Output:     os.Stderr,
		Format:     "text",
		AddSource:  false,
		TimeFormat: time.RFC3339,
	}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the default logger
func Init(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	defaultLogger = &Logger{
		Logger: slog.New(handler),
		level:  levelVar,
		output: cfg.Output,
	}

	// Set as default slog logger
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the default logger, initializing if necessary
func Default() *Logger {
	once.Do(func() {
		if defaultLogger == nil {
			Init(nil)
		}
	})
	return defaultLogger
}

// SetLevel changes the log level at runtime
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
		output: l.output,
	}
}

// =============================================================================
// Convenience Functions (use default logger)
// =============================================================================

// Debug logs at debug level
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// InfoContext logs at info level with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	Default().InfoContext(ctx, msg, args...)
}

// WarnContext logs at warn level with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	Default().WarnContext(ctx, msg, args...)
}

// ErrorContext logs at error level with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Default().ErrorContext(ctx, msg, args...)
}

// =============================================================================
// Specialized Loggers for Engine Components
// =============================================================================

// ParserLogger returns a logger for capture/log parsers
func ParserLogger() *Logger {
	return Default().WithComponent("parser")
}

// BaselineLogger returns a logger for the statistical baseline tracker
func BaselineLogger() *Logger {
	return Default().WithComponent("baseline")
}

// TemporalLogger returns a logger for the temporal pattern analyzer
func TemporalLogger() *Logger {
	return Default().WithComponent("temporal")
}

// MLLogger returns a logger for the ensemble ML detector
func MLLogger() *Logger {
	return Default().WithComponent("ml")
}

// DetectLogger returns a logger for category detectors
func DetectLogger() *Logger {
	return Default().WithComponent("detect")
}

// EngineLogger returns a logger for the analysis engine
func EngineLogger() *Logger {
	return Default().WithComponent("engine")
}

// =============================================================================
// Structured Field Helpers
// =============================================================================

// Record returns log attributes for a parsed record
func Record(file string, index int, category string) slog.Attr {
	return slog.Group("record",
		slog.String("file", file),
		slog.Int("index", index),
		slog.String("category", category),
	)
}

// Anomaly returns log attributes for a detected anomaly
func Anomaly(category string, confidence float64, severity string) slog.Attr {
	return slog.Group("anomaly",
		slog.String("category", category),
		slog.Float64("confidence", confidence),
		slog.String("severity", severity),
	)
}

// Err returns a standard error attribute
func Err(err error) slog.Attr {
	return slog.Any("error", err)
}
