// Package log builds the configured slog.Logger and the raw traffic logger.
//
// Without a log file, records below error go to stdout and errors to
// stderr. With a log file, everything goes to stderr and the file.
package log

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
)

// LevelTrace is below Debug and enables per-frame logging.
const LevelTrace slog.Level = -8

var levelNames = map[string]slog.Level{
	"trace": LevelTrace,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel maps a level name to its slog.Level; unknown names are info.
func ParseLevel(s string) slog.Level {
	if l, ok := levelNames[strings.ToLower(s)]; ok {
		return l
	}
	return slog.LevelInfo
}

// Sink is one destination of a Fanout. It receives records with
// Min <= level < Max.
type Sink struct {
	Handler  slog.Handler
	Min, Max slog.Level
}

func (s Sink) accepts(l slog.Level) bool { return l >= s.Min && l < s.Max }

// Fanout hands each record to every sink whose level band contains it.
type Fanout []Sink

func (f Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range f {
		if s.accepts(level) && s.Handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f Fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, s := range f {
		if s.accepts(r.Level) && s.Handler.Enabled(ctx, r.Level) {
			_ = s.Handler.Handle(ctx, r.Clone())
		}
	}
	return nil
}

func (f Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f Fanout) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f Fanout) each(fn func(slog.Handler) slog.Handler) Fanout {
	out := make(Fanout, len(f))
	for i, s := range f {
		out[i] = Sink{Handler: fn(s.Handler), Min: s.Min, Max: s.Max}
	}
	return out
}

// Bounds of the widest level band.
const (
	minLevel slog.Level = math.MinInt
	maxLevel slog.Level = math.MaxInt
)

func textHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l <= LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})
}

func openTruncated(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

// SetupLogger builds the process logger. The returned closers own the log
// file, if any.
func SetupLogger(logLevel, logFile string) (*slog.Logger, []io.Closer, error) {
	level := ParseLevel(logLevel)
	if logFile == "" {
		return slog.New(Fanout{
			{Handler: textHandler(os.Stdout, level), Min: minLevel, Max: slog.LevelError},
			{Handler: textHandler(os.Stderr, level), Min: slog.LevelError, Max: maxLevel},
		}), nil, nil
	}
	f, err := openTruncated(logFile)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(Fanout{
		{Handler: textHandler(os.Stderr, level), Min: minLevel, Max: maxLevel},
		{Handler: textHandler(f, level), Min: minLevel, Max: maxLevel},
	}), []io.Closer{f}, nil
}

// SetupRawLogger opens the raw traffic log. Level trace without a file
// dumps to stdout.
func SetupRawLogger(logLevel, rawFile string) (RawLogger, io.Closer, error) {
	switch {
	case rawFile != "":
		f, err := openTruncated(rawFile)
		if err != nil {
			return NewRaw(nil), nil, err
		}
		return NewRaw(f), f, nil
	case ParseLevel(logLevel) <= LevelTrace:
		return NewRaw(os.Stdout), nil, nil
	}
	return NewRaw(nil), nil, nil
}
