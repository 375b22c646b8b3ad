package tiercache

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with tiercache-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithTier adds a tier field to the logger.
func (l *Logger) WithTier(kind string) *Logger {
	return &Logger{
		Logger: l.Logger.With("tier", kind),
	}
}

// WithSpace adds the persistence space to the logger.
func (l *Logger) WithSpace(space string) *Logger {
	return &Logger{
		Logger: l.Logger.With("space", space),
	}
}

// LogOpen logs store construction.
func (l *Logger) LogOpen(ctx context.Context, pools string, entries int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "store open failed",
			"pools", pools,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "store opened",
			"pools", pools,
			"entries", entries,
		)
	}
}

// LogFlush logs a flush of the caching tier.
func (l *Logger) LogFlush(ctx context.Context, cached int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"cached", cached,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "flush completed",
			"cached", cached,
		)
	}
}

// LogClose logs store shutdown.
func (l *Logger) LogClose(ctx context.Context, entries int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "store close failed",
			"entries", entries,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "store closed",
			"entries", entries,
		)
	}
}
