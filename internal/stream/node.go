// Package stream is the minimal pipeline graph sinks attach to: nodes that
// receive values from any number of upstreams and may pass them on.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Metadata travels alongside an item through the graph.
type Metadata map[string]string

// Node receives items pushed by an upstream.
type Node interface {
	Deliver(ctx context.Context, item any, origin Node, meta Metadata) (Outcome, error)
}

// Connector is implemented by nodes that accept downstream connections.
type Connector interface {
	Connect(n Node)
	Disconnect(n Node)
}

// Emitter keeps a node's downstream list and fans items out to it.
// The zero value is ready to use.
type Emitter struct {
	mu    sync.RWMutex
	downs []Node
}

// Connect appends n to the downstream list. Connecting twice is a no-op.
func (e *Emitter) Connect(n Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.downs {
		if d == n {
			return
		}
	}
	e.downs = append(e.downs, n)
}

// Disconnect removes n from the downstream list.
func (e *Emitter) Disconnect(n Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, d := range e.downs {
		if d == n {
			e.downs = append(e.downs[:i:i], e.downs[i+1:]...)
			return
		}
	}
}

// Downstreams returns a snapshot of the connected nodes.
func (e *Emitter) Downstreams() []Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Node, len(e.downs))
	copy(out, e.downs)
	return out
}

// Emit delivers item to every downstream in connection order. Delivery
// continues past a failing node; the failures are joined.
func (e *Emitter) Emit(ctx context.Context, origin Node, item any, meta Metadata) ([]Outcome, error) {
	downs := e.Downstreams()
	outcomes := make([]Outcome, 0, len(downs))
	var errs []error
	for _, d := range downs {
		o, err := d.Deliver(ctx, item, origin, meta)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, errors.Join(errs...)
}

// Source is the entry point of a pipeline.
type Source struct {
	Emitter
	name string
}

// NewSource creates a named source node.
func NewSource(name string) *Source {
	return &Source{name: name}
}

// Name returns the source name.
func (s *Source) Name() string { return s.name }

// Emit pushes item into the pipeline.
func (s *Source) Emit(ctx context.Context, item any) ([]Outcome, error) {
	outcomes, err := s.Emitter.Emit(ctx, s, item, nil)
	if err != nil {
		return outcomes, fmt.Errorf("source %s: %w", s.name, err)
	}
	return outcomes, nil
}

// Deliver lets a source sit in the middle of a graph; it passes items through.
func (s *Source) Deliver(ctx context.Context, item any, _ Node, meta Metadata) (Outcome, error) {
	outcomes, err := s.Emitter.Emit(ctx, s, item, meta)
	if err != nil {
		return Outcome{}, err
	}
	if len(outcomes) == 1 {
		return outcomes[0], nil
	}
	var pending []Outcome
	for _, o := range outcomes {
		if o.IsPending() {
			pending = append(pending, o)
		}
	}
	if len(pending) == 0 {
		return Completed(), nil
	}
	return joined(pending), nil
}
