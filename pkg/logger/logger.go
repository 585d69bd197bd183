// Package logger provides structured logging using slog with hostname tracking
// and short source file paths for debugging across multiple relay instances.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Fields represents structured log fields.
type Fields map[string]any

// Options configures a logger built by NewWithOptions.
type Options struct {
	Level slog.Level
	JSON  bool
}

var (
	// defaultLogger is the global logger instance.
	defaultLogger *slog.Logger
	// hostname is cached on init.
	hostname string
)

func init() {
	var err error
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	defaultLogger = New(os.Stderr)
}

// New creates a text logger at info level.
func New(w io.Writer) *slog.Logger {
	return NewWithOptions(w, Options{Level: slog.LevelInfo})
}

// NewWithOptions creates a logger with hostname and short source paths.
func NewWithOptions(w io.Writer, opts Options) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{
		AddSource: true,
		Level:     opts.Level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			// Shorten source file paths to just basename:line
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
					source.Function = ""
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(handler).With("instance", hostname)
}

// ParseLevel maps debug, info, warn and error (case-insensitive) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, goerr.New("unknown log level", goerr.V("level", s))
	}
}

// SetDefault sets the default logger.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
}

// Default returns the default logger.
func Default() *slog.Logger {
	return defaultLogger
}

// Hostname returns the cached hostname.
func Hostname() string {
	return hostname
}

// Info logs an info message with optional fields.
func Info(msg string, fields Fields) {
	LogAt(slog.LevelInfo, 1, msg, fields)
}

// Warn logs a warning message with optional fields.
func Warn(msg string, fields Fields) {
	LogAt(slog.LevelWarn, 1, msg, fields)
}

// Error logs an error message with optional fields. err may be nil.
func Error(msg string, err error, fields Fields) {
	merged := make(Fields, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
	}
	LogAt(slog.LevelError, 1, msg, merged)
}

// Debug logs a debug message with optional fields.
func Debug(msg string, fields Fields) {
	LogAt(slog.LevelDebug, 1, msg, fields)
}

// attrsFromFields converts Fields to slog.Attr slice.
func attrsFromFields(fields Fields) []slog.Attr {
	if fields == nil {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

// LogAt logs msg at level, attributing it to the caller skip frames above LogAt's caller.
func LogAt(level slog.Level, skip int, msg string, fields Fields) {
	ctx := context.Background()
	if !defaultLogger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(skip+2, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(attrsFromFields(fields)...)
	_ = defaultLogger.Handler().Handle(ctx, r) //nolint:errcheck // Best effort logging
}
