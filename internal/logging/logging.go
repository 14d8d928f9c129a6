// Package logging builds the logger *value* threaded through clusterkit's
// components. There is no process-wide mutable logger; callers receive a
// *slog.Logger scoped to their component name and pass it down explicitly.
package logging

import (
	"log/slog"
	"os"
)

// Options controls how the base logger is constructed.
type Options struct {
	Level  slog.Level
	JSON   bool
	Output *os.File
}

// DefaultOptions returns text-handler, info-level options writing to stderr.
func DefaultOptions() Options {
	return Options{Level: slog.LevelInfo, JSON: false, Output: os.Stderr}
}

// New builds a root logger from Options.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler)
}

// Component returns a child logger tagged with component=name.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = New(DefaultOptions())
	}
	return base.With("component", name)
}

// Noop returns a logger that discards everything, useful for tests.
func Noop() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
