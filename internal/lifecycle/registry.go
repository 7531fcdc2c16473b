// Package lifecycle keeps every active sink reachable for as long as it may
// still receive items, and hands out explicit keep-alive tokens for them.
package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrInvalidState reports a lifecycle misuse such as a double teardown.
var ErrInvalidState = errors.New("invalid sink state")

// Entry is anything the registry can track.
type Entry interface {
	ID() uuid.UUID
	Name() string
}

// Registry is a concurrency-safe set of active entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]Entry
}

// Default is the process-wide registry used when a sink is not given one.
var Default = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uuid.UUID]Entry)}
}

// Register adds e and returns the token that keeps it registered.
func (r *Registry) Register(e Entry) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := e.ID()
	if _, exists := r.entries[id]; exists {
		return nil, fmt.Errorf("%w: %s %s already registered", ErrInvalidState, e.Name(), id)
	}
	r.entries[id] = e
	return &Token{registry: r, id: id}, nil
}

// Unregister removes the entry with the given id.
func (r *Registry) Unregister(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return fmt.Errorf("%w: %s is not registered", ErrInvalidState, id)
	}
	delete(r.entries, id)
	return nil
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entries[id]
	return ok
}

// Len returns the number of active entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Active returns a snapshot of the registered entries ordered by name, then id.
func (r *Registry) Active() []Entry {
	r.mu.RLock()
	active := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		active = append(active, e)
	}
	r.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		if active[i].Name() != active[j].Name() {
			return active[i].Name() < active[j].Name()
		}
		return active[i].ID().String() < active[j].ID().String()
	})
	return active
}

// Token is the explicit ownership handle for one registration.
type Token struct {
	registry *Registry
	id       uuid.UUID
	released atomic.Bool
}

// ID returns the registered entry id.
func (t *Token) ID() uuid.UUID { return t.id }

// Release unregisters the entry. Releasing twice returns ErrInvalidState.
func (t *Token) Release() error {
	if !t.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s already released", ErrInvalidState, t.id)
	}
	return t.registry.Unregister(t.id)
}
