package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	Level string
	JSON  bool
}

var def atomic.Pointer[slog.Logger]

func init() {
	def.Store(New(os.Stderr, Options{}))
}

// New builds a logger writing to w.
func New(w io.Writer, opts Options) *slog.Logger {
	cfg := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, cfg)
	} else {
		h = slog.NewTextHandler(w, cfg)
	}
	return slog.New(h)
}

// Configure replaces the process logger and makes it the slog default.
func Configure(opts Options) *slog.Logger {
	l := New(os.Stderr, opts)
	def.Store(l)
	slog.SetDefault(l)
	return l
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func L() *slog.Logger {
	return def.Load()
}

// Component returns the process logger tagged with a component name.
func Component(name string) *slog.Logger {
	return L().With("component", name)
}

// WithTrace adds trace_id and span_id when ctx carries a valid span.
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}
