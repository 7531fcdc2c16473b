package sink

import (
	"context"
	"fmt"

	"github.com/shortontech/sinkflow/internal/future"
	"github.com/shortontech/sinkflow/internal/stream"
)

// EffectFunc performs the effect for one item. It may return a future when
// the effect completes later; a nil future means it is already done.
type EffectFunc func(ctx context.Context, item any, args ...any) (*future.Future, error)

// Effect adapts a plain function that finishes synchronously.
func Effect(fn func(item any)) EffectFunc {
	return func(_ context.Context, item any, _ ...any) (*future.Future, error) {
		fn(item)
		return nil, nil
	}
}

// FuncSink calls a function on every item.
type FuncSink struct {
	base
	fn   EffectFunc
	args []any
}

// NewFuncSink attaches a function sink below upstream. Extra args are passed
// to fn after the item on every call.
func NewFuncSink(upstream stream.Connector, fn EffectFunc, args []any, opts ...Option) (*FuncSink, error) {
	if fn == nil {
		return nil, fmt.Errorf("func sink: nil function")
	}
	s := &FuncSink{fn: fn, args: args}
	s.init(buildOptions("func", opts))
	if err := s.attach(s, upstream); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FuncSink) Deliver(ctx context.Context, item any, _ stream.Node, _ stream.Metadata) (stream.Outcome, error) {
	if s.destroyed() {
		return stream.Outcome{}, ErrInvalidState
	}
	s.metrics.IncItemsReceived(s.name)

	f, err := s.fn(ctx, item, s.args...)
	if err != nil {
		s.metrics.IncSinkErrors(s.name, "effect_error")
		return stream.Outcome{}, err
	}
	if f == nil {
		return stream.Completed(), nil
	}
	return stream.Pending(f), nil
}

func (s *FuncSink) Destroy() error {
	if err := s.beginTeardown(); err != nil {
		return err
	}
	return s.detach(s)
}
