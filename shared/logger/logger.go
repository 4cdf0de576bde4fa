package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Config holds logger configuration.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // json, console
	Output    string // stdout, stderr
	AddSource bool   // include source code location

	// writer overrides Output when set; tests capture log lines with it.
	writer io.Writer
}

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// New creates a logger from config. Console format uses tint for readable
// local output; everything else emits JSON lines.
func New(cfg *Config) *Logger {
	level := parseLevel(cfg.Level)

	writer := cfg.writer
	if writer == nil {
		switch cfg.Output {
		case "stderr":
			writer = os.Stderr
		default:
			writer = os.Stdout
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "console":
		handler = tint.NewHandler(writer, &tint.Options{
			Level:      level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.TimeOnly,
		})
	default:
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.AddSource,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

// NewDefault creates a console logger at info level.
func NewDefault() *Logger {
	return New(&Config{Level: "info", Format: "console"})
}

// Discard creates a logger that drops everything. Used in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a logger with extra key-value context attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithGroup returns a logger namespacing further attributes under name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
