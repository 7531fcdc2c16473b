package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shortontech/sinkflow/internal/future"
	"github.com/shortontech/sinkflow/internal/lifecycle"
	"github.com/shortontech/sinkflow/internal/sink"
	"github.com/shortontech/sinkflow/internal/stream"
	"github.com/shortontech/sinkflow/pkg/config"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestBuildPipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("text and stdout", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "items.log")
		reg := lifecycle.NewRegistry()
		src := stream.NewSource("test")
		c := config.Config{
			Outputs: []string{config.OutputText, config.OutputStdout},
			Text:    config.TextConfig{Path: path, Terminator: "\n", Mode: "a"},
		}

		p, err := buildPipeline(ctx, c, src, quiet, sink.WithRegistry(reg))
		if err != nil {
			t.Fatalf("buildPipeline() failed: %v", err)
		}
		if len(p.sinks) != 2 || reg.Len() != 2 {
			t.Fatalf("sinks = %d, registry = %d, want 2 and 2", len(p.sinks), reg.Len())
		}
		if p.sinks[1].Name() != "stdout" {
			t.Errorf("second sink name = %q, want stdout", p.sinks[1].Name())
		}
		if len(p.flushers) != 0 {
			t.Errorf("text outputs should not be flushers, got %d", len(p.flushers))
		}

		if _, err := src.Emit(ctx, "hello"); err != nil {
			t.Fatalf("Emit() failed: %v", err)
		}
		p.destroy(quiet)
		if reg.Len() != 0 {
			t.Errorf("registry should be empty after destroy, has %d", reg.Len())
		}

		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "hello\n" {
			t.Errorf("file contents = %q, want %q", got, "hello\n")
		}
	})

	t.Run("unknown output tears down earlier sinks", func(t *testing.T) {
		reg := lifecycle.NewRegistry()
		src := stream.NewSource("test")
		c := config.Config{
			Outputs: []string{config.OutputText, "carrier-pigeon"},
			Text:    config.TextConfig{Path: filepath.Join(t.TempDir(), "out.log")},
		}

		if _, err := buildPipeline(ctx, c, src, quiet, sink.WithRegistry(reg)); err == nil {
			t.Fatal("expected an error for an unknown output")
		}
		if reg.Len() != 0 {
			t.Errorf("registry should be empty after a failed build, has %d", reg.Len())
		}
		if n := len(src.Downstreams()); n != 0 {
			t.Errorf("source still has %d downstreams", n)
		}
	})

	t.Run("text sink open failure", func(t *testing.T) {
		reg := lifecycle.NewRegistry()
		c := config.Config{
			Outputs: []string{config.OutputText},
			Text:    config.TextConfig{Path: t.TempDir(), Mode: "a"},
		}
		if _, err := buildPipeline(ctx, c, stream.NewSource("test"), quiet, sink.WithRegistry(reg)); err == nil {
			t.Fatal("opening a directory as a text sink should fail")
		}
	})

	t.Run("no outputs", func(t *testing.T) {
		p, err := buildPipeline(ctx, config.Config{}, stream.NewSource("test"), quiet)
		if err != nil {
			t.Fatalf("buildPipeline() failed: %v", err)
		}
		if len(p.sinks) != 0 {
			t.Errorf("sinks = %d, want 0", len(p.sinks))
		}
	})
}

func TestPipelineDestroyOrder(t *testing.T) {
	reg := lifecycle.NewRegistry()
	src := stream.NewSource("test")

	var order []string
	p := &pipeline{}
	for _, name := range []string{"first", "second", "third"} {
		s, err := sink.NewFuncSink(src, sink.Effect(func(any) {}), nil, sink.WithRegistry(reg), sink.WithName(name))
		if err != nil {
			t.Fatal(err)
		}
		p.add(recordingSink{Sink: s, order: &order})
	}

	p.destroy(quiet)
	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("destroyed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("destroy order = %v, want %v", order, want)
			break
		}
	}
	if p.sinks != nil {
		t.Error("destroy should clear the pipeline")
	}
	p.destroy(quiet)
}

type recordingSink struct {
	sink.Sink
	order *[]string
}

func (r recordingSink) Destroy() error {
	*r.order = append(*r.order, r.Name())
	return r.Sink.Destroy()
}

func TestRunTestMode(t *testing.T) {
	reg := lifecycle.NewRegistry()
	src := stream.NewSource("test")
	collect, err := sink.NewCollectSink(src, sink.WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	defer collect.Destroy()

	sent, failed := runTestMode(context.Background(), src.Emit, quiet, 0)
	if sent != len(testKinds) || failed != 0 {
		t.Errorf("sent = %d, failed = %d, want %d and 0", sent, failed, len(testKinds))
	}
	if n := len(collect.Items()); n != len(testKinds) {
		t.Errorf("collected %d items, want %d", n, len(testKinds))
	}
}

func TestRunTestModeCountsFailures(t *testing.T) {
	reg := lifecycle.NewRegistry()
	src := stream.NewSource("test")
	fs, err := sink.NewFuncSink(src, func(ctx context.Context, item any, _ ...any) (*future.Future, error) {
		return future.Resolved(errors.New("rejected")), nil
	}, nil, sink.WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Destroy()

	sent, failed := runTestMode(context.Background(), src.Emit, quiet, 0)
	if sent != 0 || failed != len(testKinds) {
		t.Errorf("sent = %d, failed = %d, want 0 and %d", sent, failed, len(testKinds))
	}
}

func TestRunTestModeStopsOnCancel(t *testing.T) {
	src := stream.NewSource("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	sent, _ := runTestMode(ctx, src.Emit, quiet, time.Hour)
	if time.Since(start) > 5*time.Second {
		t.Error("runTestMode should return promptly once ctx is done")
	}
	if sent != 1 {
		t.Errorf("sent = %d, want 1 before the first delay", sent)
	}
}
