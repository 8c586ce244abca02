package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Configure installs a process-wide slog default logger. component tags
// every record, so interleaved dispatcher, taxi, and monitor output on a
// shared terminal stays attributable to its process.
//
// Supported levels: debug, info, warn, error.
func Configure(level, component string) error {
	parsed, err := parseLevel(level)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stderr, parsed, component))
	return nil
}

func newLogger(w io.Writer, level slog.Level, component string) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	l := slog.New(h)
	if component != "" {
		l = l.With("component", component)
	}
	return l
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}
