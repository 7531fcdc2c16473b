// Package sink holds the terminal nodes of a pipeline: each takes items
// pushed from upstream and performs an external effect with them.
package sink

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/shortontech/sinkflow/internal/lifecycle"
	"github.com/shortontech/sinkflow/internal/metrics"
	"github.com/shortontech/sinkflow/internal/stream"
)

type Sink interface {
	stream.Node
	ID() uuid.UUID
	Name() string // Returns the sink name for metrics and logging
	Destroy() error
}

// Option customizes a sink at construction.
type Option func(*options)

type options struct {
	registry *lifecycle.Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	name     string
}

// WithRegistry registers the sink in r instead of lifecycle.Default.
func WithRegistry(r *lifecycle.Registry) Option {
	return func(o *options) { o.registry = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithName overrides the sink's display name.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func buildOptions(kind string, opts []Option) options {
	o := options{name: kind}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = lifecycle.Default
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("sinkflow/sink")
	}
	o.log = o.log.With("sink", o.name)
	return o
}

// base carries what every sink shares: identity, the upstream link and the
// registry token that keeps it alive.
type base struct {
	id       uuid.UUID
	name     string
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *lifecycle.Registry

	mu       sync.Mutex
	upstream stream.Connector
	token    *lifecycle.Token
	torn     atomic.Bool
}

func (b *base) init(o options) {
	b.id = uuid.New()
	b.name = o.name
	b.log = o.log
	b.metrics = o.metrics
	b.registry = o.registry
}

func (b *base) ID() uuid.UUID { return b.id }

func (b *base) Name() string { return b.name }

// attach registers self and connects it below upstream, which may be nil.
func (b *base) attach(self stream.Node, upstream stream.Connector) error {
	tok, err := b.registry.Register(b)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.token = tok
	b.upstream = upstream
	b.mu.Unlock()

	if upstream != nil {
		upstream.Connect(self)
	}
	b.metrics.SetActiveSinks(b.registry.Len())
	return nil
}

// beginTeardown marks the sink destroyed. Only the first caller gets nil.
func (b *base) beginTeardown() error {
	if !b.torn.CompareAndSwap(false, true) {
		return ErrInvalidState
	}
	return nil
}

// detach disconnects self from its upstream and releases the token.
func (b *base) detach(self stream.Node) error {
	b.disconnect(self)
	return b.release()
}

func (b *base) disconnect(self stream.Node) {
	b.mu.Lock()
	upstream := b.upstream
	b.upstream = nil
	b.mu.Unlock()

	if upstream != nil {
		upstream.Disconnect(self)
	}
}

func (b *base) release() error {
	b.mu.Lock()
	tok := b.token
	b.mu.Unlock()

	var err error
	if tok != nil {
		err = tok.Release()
	}
	b.metrics.SetActiveSinks(b.registry.Len())
	return err
}

func (b *base) destroyed() bool {
	return b.torn.Load()
}
