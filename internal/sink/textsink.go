package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/shortontech/sinkflow/internal/stream"
)

// TextOptions controls how a text sink writes.
type TextOptions struct {
	// Terminator follows every item. nil means "\n"; point it at "" to
	// write items back to back.
	Terminator *string
	// Mode is "a" (append, default), "w" (truncate) or "x" (create, fail if
	// the file exists).
	Mode string
}

func (o TextOptions) withDefaults() TextOptions {
	if o.Terminator == nil {
		nl := "\n"
		o.Terminator = &nl
	}
	if o.Mode == "" {
		o.Mode = "a"
	}
	return o
}

func openFlags(mode string) (int, error) {
	switch mode {
	case "a":
		return os.O_CREATE | os.O_WRONLY | os.O_APPEND, nil
	case "w":
		return os.O_CREATE | os.O_WRONLY | os.O_TRUNC, nil
	case "x":
		return os.O_CREATE | os.O_WRONLY | os.O_EXCL, nil
	}
	return 0, fmt.Errorf("text sink: unsupported mode %q", mode)
}

// nopCloser keeps stdout open when the sink is destroyed.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// TextSink writes each item followed by a terminator to a sequential
// destination such as a file or stdout.
type TextSink struct {
	base
	dst  string
	term string

	mu sync.Mutex
	w  io.WriteCloser
}

// OpenTextSink opens path and attaches a text sink writing to it. The paths
// "stdout" and "-" write to standard output.
func OpenTextSink(upstream stream.Connector, path string, topts TextOptions, opts ...Option) (*TextSink, error) {
	topts = topts.withDefaults()

	if path == "stdout" || path == "-" {
		return newTextSink(upstream, "stdout", nopCloser{os.Stdout}, topts, opts)
	}

	flags, err := openFlags(topts.Mode)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &IOError{Path: path, Err: err}
		}
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}

	s, err := newTextSink(upstream, path, f, topts, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// NewTextSink attaches a text sink writing to an already opened destination.
// The sink owns w and closes it on Destroy.
func NewTextSink(upstream stream.Connector, w io.WriteCloser, topts TextOptions, opts ...Option) (*TextSink, error) {
	return newTextSink(upstream, "writer", w, topts.withDefaults(), opts)
}

func newTextSink(upstream stream.Connector, dst string, w io.WriteCloser, topts TextOptions, opts []Option) (*TextSink, error) {
	s := &TextSink{dst: dst, term: *topts.Terminator, w: w}
	s.init(buildOptions("text", opts))
	if err := s.attach(s, upstream); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the destination description.
func (s *TextSink) Path() string { return s.dst }

func (s *TextSink) Deliver(_ context.Context, item any, _ stream.Node, _ stream.Metadata) (stream.Outcome, error) {
	var text string
	switch v := item.(type) {
	case string:
		text = v
	case []byte:
		text = string(v)
	case fmt.Stringer:
		text = v.String()
	default:
		return stream.Outcome{}, fmt.Errorf("text sink: unsupported item type %T", item)
	}
	s.metrics.IncItemsReceived(s.name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return stream.Outcome{}, ErrInvalidState
	}
	if _, err := io.WriteString(s.w, text+s.term); err != nil {
		s.metrics.IncSinkErrors(s.name, "write_error")
		return stream.Outcome{}, &IOError{Path: s.dst, Err: err}
	}
	return stream.Completed(), nil
}

func (s *TextSink) Destroy() error {
	if err := s.beginTeardown(); err != nil {
		return err
	}
	detachErr := s.detach(s)

	s.mu.Lock()
	w := s.w
	s.w = nil
	s.mu.Unlock()

	if err := w.Close(); err != nil {
		return &IOError{Path: s.dst, Err: err}
	}
	return detachErr
}
