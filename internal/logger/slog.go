package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures the application logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json, color
	File   string // optional rotating file; stderr when empty
	Rotate Config // rotation limits applied to File
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds a logger from opts. The returned closer releases the log file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		lj := opts.Rotate.rotating(opts.File)
		w, closer = lj, lj
	}
	return slog.New(NewHandler(w, opts.Format, level)), closer, nil
}

// NewHandler picks a slog handler for format.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	ho := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, ho)
	case "color":
		return NewColorTextHandler(w, ho, true)
	default:
		return slog.NewTextHandler(w, ho)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
