// Package logging provides structured logging for claimtree agent processes.
// Output is JSON, one line per entry, appended to a shared file so the logs
// of many concurrent agents interleave into a single analyzable stream.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the log file claimtree appends to inside the log directory.
const FileName = "claimtree.log"

// Logger is a thin wrapper around slog that supports child loggers carrying
// the coordination identifiers (agent, unit, subdirectory key). Safe for
// concurrent use.
type Logger struct {
	slog *slog.Logger
	file *os.File
}

// NewLogger opens {logDir}/claimtree.log for appending and returns a JSON
// logger writing to it. An empty logDir logs to stderr instead.
func NewLogger(logDir, level string) (*Logger, error) {
	writer := io.Writer(os.Stderr)
	var file *os.File
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, FileName),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		writer, file = f, f
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{slog: slog.New(handler), file: file}, nil
}

// NopLogger returns a Logger that discards everything.
func NopLogger() *Logger {
	return &Logger{slog: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithAgent returns a child logger tagging every entry with the agent id.
func (l *Logger) WithAgent(agentID string) *Logger {
	return l.With("agent_id", agentID)
}

// WithUnit returns a child logger tagging every entry with the unit id.
func (l *Logger) WithUnit(unitID string) *Logger {
	return l.With("unit", unitID)
}

// WithSubdir returns a child logger tagging every entry with the
// subdirectory key.
func (l *Logger) WithSubdir(key string) *Logger {
	return l.With("subdir", key)
}

// With returns a child logger carrying the given alternating key-value
// pairs on every entry.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{slog: l.slog.With(args...), file: l.file}
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Close syncs and closes the log file. Only the Logger returned by
// NewLogger should be closed, not its children.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing log file: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	return err
}
