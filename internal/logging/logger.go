// Package logging provides structured logging for URLGuard.
// It wraps the standard library slog package with service defaults
// and convenience functions.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
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

// Logger is the URLGuard structured logger
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
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:     LevelInfo,
		Output:    os.Stderr,
		Format:    "text",
		AddSource: false,
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a Level.
// Anything else is LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	defaultLogger *Logger
	mu            sync.Mutex
)

// Init initializes the default logger
func Init(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
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

	l := &Logger{
		Logger: slog.New(handler),
		level:  levelVar,
		output: cfg.Output,
	}

	mu.Lock()
	defaultLogger = l
	mu.Unlock()

	slog.SetDefault(l.Logger)
	return l
}

// Default returns the default logger, initializing if necessary
func Default() *Logger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l == nil {
		return Init(nil)
	}
	return l
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		level:  &slog.LevelVar{},
		output: io.Discard,
	}
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

type requestIDKey struct{}

// ContextWithRequestID stores a request ID for WithContext to pick up.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithContext returns a logger carrying the request ID found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	id := RequestIDFromContext(ctx)
	if id == "" {
		return l
	}
	return &Logger{
		Logger: l.Logger.With("request_id", id),
		level:  l.level,
		output: l.output,
	}
}

// =============================================================================
// Specialized Loggers for URLGuard Components
// =============================================================================

// ServerLogger returns a logger for the HTTP API
func ServerLogger() *Logger {
	return Default().WithComponent("server")
}

// MLLogger returns a logger for feature extraction and inference
func MLLogger() *Logger {
	return Default().WithComponent("ml")
}

// ArtifactLogger returns a logger for model download and extraction
func ArtifactLogger() *Logger {
	return Default().WithComponent("artifact")
}

// PublishLogger returns a logger for prediction publishing
func PublishLogger() *Logger {
	return Default().WithComponent("publish")
}

// ConsumerLogger returns a logger for the prediction consumer
func ConsumerLogger() *Logger {
	return Default().WithComponent("consumer")
}

// =============================================================================
// Structured Field Helpers
// =============================================================================

// URL returns a log attribute for a URL under classification
func URL(raw string) slog.Attr {
	return slog.String("url", raw)
}

// Prediction returns log attributes for a classified URL
func Prediction(url, class string) slog.Attr {
	return slog.Group("prediction",
		slog.String("url", url),
		slog.String("class", class),
	)
}

// Err returns a log attribute for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// Duration returns a log attribute for a duration
func Duration(name string, d time.Duration) slog.Attr {
	return slog.Duration(name, d)
}

// Count returns a log attribute for a count
func Count(name string, n int64) slog.Attr {
	return slog.Int64(name, n)
}

// =============================================================================
// Performance Logging
// =============================================================================

// Timer returns a function that logs the elapsed time when called
func Timer(l *Logger, msg string, args ...any) func() {
	start := time.Now()
	return func() {
		l.Debug(msg, append(args, "duration", time.Since(start))...)
	}
}

// LogRuntimeInfo logs current runtime information
func LogRuntimeInfo(l *Logger) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	l.Info("runtime info",
		"goroutines", runtime.NumGoroutine(),
		"heap_alloc_mb", m.HeapAlloc/1024/1024,
		"gc_cycles", m.NumGC,
		"go_version", runtime.Version(),
	)
}
