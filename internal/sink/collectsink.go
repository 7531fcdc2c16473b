package sink

import (
	"context"
	"sync"

	"github.com/shortontech/sinkflow/internal/stream"
)

// CollectSink keeps every item it receives in memory.
type CollectSink struct {
	base

	mu    sync.Mutex
	items []any
}

func NewCollectSink(upstream stream.Connector, opts ...Option) (*CollectSink, error) {
	s := &CollectSink{}
	s.init(buildOptions("collect", opts))
	if err := s.attach(s, upstream); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CollectSink) Deliver(_ context.Context, item any, _ stream.Node, _ stream.Metadata) (stream.Outcome, error) {
	if s.destroyed() {
		return stream.Outcome{}, ErrInvalidState
	}
	s.metrics.IncItemsReceived(s.name)

	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
	return stream.Completed(), nil
}

// Items returns a copy of the collected items in arrival order.
func (s *CollectSink) Items() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.items))
	copy(out, s.items)
	return out
}

func (s *CollectSink) Reset() {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
}

func (s *CollectSink) Destroy() error {
	if err := s.beginTeardown(); err != nil {
		return err
	}
	return s.detach(s)
}
