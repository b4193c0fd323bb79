// Package logging builds the process-wide slog logger from configuration.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	"wequi-guard/pkg/config"
)

// Logger wraps slog.Logger and remembers the config it was built from and
// the rotating writer, if any, so it can be closed on shutdown.
type Logger struct {
	*slog.Logger
	cfg    *config.LoggingConfig
	closer io.Closer
}

// New creates a new logger from configuration. File output is rotated by
// size and age.
func New(cfg *config.LoggingConfig) (*Logger, error) {
	var (
		output io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		rot := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		output = rot
		closer = rot
	default:
		output = os.Stdout
	}

	return &Logger{
		Logger: slog.New(newHandler(output, cfg)),
		cfg:    cfg,
		closer: closer,
	}, nil
}

// NewWithWriter builds a logger that writes to w. Used by tests and by the
// CLI when it needs to capture output.
func NewWithWriter(w io.Writer, cfg *config.LoggingConfig) *Logger {
	return &Logger{Logger: slog.New(newHandler(w, cfg)), cfg: cfg}
}

func newHandler(w io.Writer, cfg *config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// NewDefault creates a logger with sensible defaults (info level, text format, stdout)
func NewDefault() *Logger {
	cfg := &config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"}
	return NewWithWriter(os.Stdout, cfg)
}

// NewDiscard returns a logger that drops everything.
func NewDiscard() *Logger {
	cfg := &config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}
	return NewWithWriter(io.Discard, cfg)
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return l.WithField("component", name)
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.Logger.With(args...), cfg: l.cfg, closer: l.closer}
}

// WithField creates a new logger with an additional field
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Logger: l.Logger.With(key, value), cfg: l.cfg, closer: l.closer}
}

// Close flushes and closes the rotating file, if one is in use.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var global atomic.Pointer[Logger]

func init() {
	global.Store(NewDefault())
}

// SetGlobal sets the global logger
func SetGlobal(logger *Logger) {
	global.Store(logger)
	slog.SetDefault(logger.Logger)
}

// Global returns the global logger
func Global() *Logger {
	return global.Load()
}

// Debug logs a debug message
func Debug(msg string, args ...any) { Global().Debug(msg, args...) }

// Info logs an info message
func Info(msg string, args ...any) { Global().Info(msg, args...) }

// Warn logs a warning message
func Warn(msg string, args ...any) { Global().Warn(msg, args...) }

// Error logs an error message
func Error(msg string, args ...any) { Global().Error(msg, args...) }

// ErrorContext logs an error message with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Global().ErrorContext(ctx, msg, args...)
}
