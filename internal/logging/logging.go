// Package logging configures slog for the triage daemon. Records at error
// level and above are also reported to Sentry when a DSN is configured.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config holds logging configuration.
type Config struct {
	Level     slog.Level
	SentryDSN string
	Env       string // "development", "production"
	Version   string
	LogFile   string // empty means stderr
}

var (
	mu      sync.RWMutex
	base    *slog.Logger
	logFile *os.File
	report  bool
)

// Init installs the process logger and makes it the slog default.
func Init(cfg Config) error {
	reporting := false
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Env,
			Release:          cfg.Version,
			AttachStacktrace: true,
		}); err != nil {
			return fmt.Errorf("sentry init: %w", err)
		}
		reporting = true
	}

	var out io.Writer = os.Stderr
	var f *os.File
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	l := slog.New(NewHandler(out, cfg.Level, reporting))
	mu.Lock()
	base, logFile, report = l, f, reporting
	mu.Unlock()
	slog.SetDefault(l)
	return nil
}

// Flush waits for queued Sentry events and closes the log file.
func Flush(timeout time.Duration) {
	mu.Lock()
	f, reporting := logFile, report
	logFile = nil
	mu.Unlock()

	if reporting {
		sentry.Flush(timeout)
	}
	if f != nil {
		_ = f.Sync()
		_ = f.Close()
	}
}

// Default returns the process logger, or slog's default before Init.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if base == nil {
		return slog.Default()
	}
	return base
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Default().With("component", name)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
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

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any) { Default().Info(msg, args...) }
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at error level; reported to Sentry when enabled.
func Error(msg string, args ...any) { Default().Error(msg, args...) }

func reporting() bool {
	mu.RLock()
	defer mu.RUnlock()
	return report
}
