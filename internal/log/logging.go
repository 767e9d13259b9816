// Package log builds the slog.Logger used by every command.
//
// Console records of every level go to stderr. Stdout belongs to the
// command output (measurement report, device info, history table) and never
// carries log records.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LevelTrace is below Debug and enables raw control payload dumps.
const LevelTrace slog.Level = -8

func ParseLevel(s string) slog.Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Raise lowers the threshold of level by one step per -v: info becomes debug,
// debug becomes trace. It never goes below trace.
func Raise(level slog.Level, verbose int) slog.Level {
	for ; verbose > 0 && level > LevelTrace; verbose-- {
		switch {
		case level > slog.LevelInfo:
			level = slog.LevelInfo
		case level > slog.LevelDebug:
			level = slog.LevelDebug
		default:
			level = LevelTrace
		}
	}
	return level
}

// Fanout sends each record to every handler that accepts it.
type Fanout []slog.Handler

func (f Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f Fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r.Clone())
		}
	}
	return nil
}

func (f Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(Fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f Fanout) WithGroup(name string) slog.Handler {
	out := make(Fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// NewLogger builds a logger writing to console and, when logFile is set,
// also to that file. The returned closers must be closed on exit.
func NewLogger(console io.Writer, level slog.Level, logFile string) (*slog.Logger, []io.Closer, error) {
	handlers := Fanout{slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})}
	var closeFiles []io.Closer
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		closeFiles = append(closeFiles, f)
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(handlers), closeFiles, nil
}

// SetupLogger builds the process logger on stderr.
func SetupLogger(level slog.Level, logFile string) (*slog.Logger, []io.Closer, error) {
	return NewLogger(os.Stderr, level, logFile)
}
