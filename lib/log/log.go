// Package log builds the structured logger comacode-hostd uses throughout
// (SPEC_FULL.md's ambient stack): a thin wrapper over log/slog that maps
// the CLI's --log-level string onto a slog.Level.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is a *slog.Logger with the process's chosen level and handler
// already applied. Embedding keeps every slog.Logger method (Info, Warn,
// Error, Debug, With, ...) available directly.
type Logger struct {
	*slog.Logger
}

// New builds a Logger writing text-formatted records to stderr at level,
// defaulting to info for an unrecognized string.
func New(level string) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{slog.New(handler)}
}

// Slog returns the underlying *slog.Logger for collaborators that expect
// the standard-library type rather than this package's wrapper.
func (l *Logger) Slog() *slog.Logger { return l.Logger }

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
