package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" DEBUG ", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Options{Level: "warn", JSON: true})

	l.Info("dropped")
	l.Warn("kept", "sink", "kafka")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["msg"] != "kept" || rec["sink"] != "kafka" {
		t.Errorf("record = %v", rec)
	}
}

func TestConfigure_SwapsDefault(t *testing.T) {
	prev := L()
	defer func() {
		def.Store(prev)
		slog.SetDefault(prev)
	}()

	l := Configure(Options{Level: "debug"})
	if L() != l {
		t.Error("L() should return the configured logger")
	}
	if !L().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level should be enabled")
	}
}

func TestWithTrace(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, Options{JSON: true})

	if got := WithTrace(context.Background(), base); got != base {
		t.Error("logger without span context should be returned unchanged")
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01},
		SpanID:  trace.SpanID{0x02},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	WithTrace(ctx, base).Info("traced")

	if !strings.Contains(buf.String(), sc.TraceID().String()) {
		t.Errorf("log line missing trace id: %s", buf.String())
	}
}
