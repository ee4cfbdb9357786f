// Package logging builds the structured loggers used by the server, the
// bot, and the CLI.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error, fatal. Empty means info.
	Level string
	// Format is text, logfmt, or json. Empty means text.
	Format string
	// Component, when set, is attached to every record.
	Component string
}

// New returns a logger writing to w.
func New(w io.Writer, opts Options) (*log.Logger, error) {
	level := log.InfoLevel
	if s := strings.TrimSpace(opts.Level); s != "" {
		parsed, err := log.ParseLevel(strings.ToLower(s))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q", opts.Level)
		}
		level = parsed
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		logger.SetFormatter(log.TextFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	default:
		return nil, fmt.Errorf("invalid log format %q (want text, logfmt, or json)", opts.Format)
	}

	if opts.Component != "" {
		logger = logger.With("component", opts.Component)
	}
	return logger, nil
}

// Default returns an info-level text logger on stderr.
func Default() *log.Logger {
	logger, _ := New(os.Stderr, Options{})
	return logger
}

// Discard returns a logger that writes nothing.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel + 1})
}

// WithContext stores logger in ctx.
func WithContext(ctx context.Context, logger *log.Logger) context.Context {
	return log.WithContext(ctx, logger)
}

// FromContext returns the logger stored in ctx, or the package default.
// When ctx carries a recording span its trace and span ids are attached.
func FromContext(ctx context.Context) *log.Logger {
	logger := log.FromContext(ctx)
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}
