// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type Config struct {
	// Level overrides LOG_LEVEL when set.
	Level string
	// JSON selects the JSON handler; LOG_FORMAT=json does the same.
	JSON bool
	// File receives logs instead of stderr; LOG_FILE overrides it.
	File string
}

// Init installs the default slog logger and returns a closer for any opened log file.
// CLI output goes to stdout, so logs default to stderr to keep --json output clean.
func Init(cfg Config) func() {
	level := cfg.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var w io.Writer = os.Stderr
	closer := func() {}

	logFile := cfg.File
	if env := os.Getenv("LOG_FILE"); env != "" {
		logFile = env
	}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			slog.Error("failed to create log directory, using stderr", "file", logFile, "error", err)
		} else {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				slog.Error("failed to open log file, using stderr", "file", logFile, "error", err)
			} else {
				w = f
				closer = func() { f.Close() }
			}
		}
	}

	var handler slog.Handler
	if cfg.JSON || os.Getenv("LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closer
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// NewInvocationID returns a time-ordered id shared by the logs and journal entries of one command.
func NewInvocationID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// WithInvocation returns a logger tagged with the invocation id.
func WithInvocation(id string) *slog.Logger {
	return slog.With("invocation", id)
}
