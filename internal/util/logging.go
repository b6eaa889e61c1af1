package util

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

type loggerContextKey struct{}

// ParseLevel maps a config level string to a slog level. Unknown input is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// InitLogger installs the default JSON logger for a service.
// When logsDir is set, records are also appended to <logsDir>/<service>.log.
// The returned cleanup closes the log file and is safe to call once.
func InitLogger(level, service, logsDir string) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level), AddSource: true}
	handlers := []slog.Handler{slog.NewJSONHandler(os.Stdout, opts)}
	cleanup := func() {}

	if dir := strings.TrimSpace(logsDir); dir != "" {
		file, err := openLogFile(dir, service)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file disabled: %v\n", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
			cleanup = func() { _ = file.Close() }
		}
	}

	var handler slog.Handler = handlers[0]
	if len(handlers) > 1 {
		handler = slogmulti.Fanout(handlers...)
	}
	logger := slog.New(handler)
	if service != "" {
		logger = logger.With("service", service)
	}
	slog.SetDefault(logger)
	return logger, cleanup
}

// NewWriterLogger builds a JSON logger writing to w. Used by tools and tests.
func NewWriterLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func openLogFile(dir, service string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	name := strings.TrimSpace(service)
	if name == "" {
		name = "service"
	}
	path := filepath.Join(dir, name+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// Fatal logs at error level and exits.
func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

// ContextWithLogger stores logger on ctx.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// LoggerFromContext returns the request-scoped logger, or slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return slog.Default()
}
