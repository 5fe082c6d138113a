// Package logging builds the slog loggers used across pollhost.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LevelTrace is below debug and is used for per-frame logs.
const LevelTrace = slog.LevelDebug - 1

// Option is a logger option.
type Option func(*options)

type options struct {
	level     slog.Level
	json      bool
	addSource bool
	w         io.Writer
}

func defaultOptions() *options {
	return &options{
		level: slog.LevelInfo,
		w:     os.Stderr,
	}
}

// WithLevel sets the minimum level logged. The default is info.
func WithLevel(level slog.Level) Option {
	return func(o *options) { o.level = level }
}

// WithJSON selects the JSON handler instead of the text handler.
func WithJSON(json bool) Option {
	return func(o *options) { o.json = json }
}

// WithSource adds the caller's file basename and line to every record.
func WithSource() Option {
	return func(o *options) { o.addSource = true }
}

// WithWriter sets the log output. Defaults to stderr.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.w = w }
}

// New returns a logger configured with opts.
func New(opts ...Option) *slog.Logger {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	replace := func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.SourceKey:
			// Remove the directory from the source's filename.
			if s, ok := a.Value.Any().(*slog.Source); ok {
				s.File = filepath.Base(s.File)
			}
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
				a.Value = slog.StringValue("TRACE")
			}
		}
		return a
	}
	hopts := &slog.HandlerOptions{
		AddSource:   o.addSource,
		Level:       o.level,
		ReplaceAttr: replace,
	}
	if o.json {
		return slog.New(slog.NewJSONHandler(o.w, hopts))
	}
	return slog.New(slog.NewTextHandler(o.w, hopts))
}

// ParseLevel parses a level name: trace, debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// ParseFormat reports whether format selects JSON output. Valid formats are text and json.
func ParseFormat(format string) (json bool, err error) {
	switch strings.ToLower(format) {
	case "", "text":
		return false, nil
	case "json":
		return true, nil
	}
	return false, fmt.Errorf("unknown log format %q", format)
}
