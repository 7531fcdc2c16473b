// Package future provides a resolve-once completion handle for effects that
// finish after the call that started them has returned.
package future

import (
	"context"
	"sync"
)

// Future is a deferred completion handle. It resolves exactly once, either
// successfully (nil error) or with a failure.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

// New returns an unresolved Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a Future that is already resolved with err.
func Resolved(err error) *Future {
	f := New()
	f.Resolve(err)
	return f
}

// Resolve completes the future with err (nil for success). Only the first
// call has an effect; it reports whether this call resolved the future.
func (f *Future) Resolve(err error) bool {
	resolved := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Peek reports the resolution without blocking. done is false while the
// future is still pending.
func (f *Future) Peek() (done bool, err error) {
	select {
	case <-f.done:
		return true, f.err
	default:
		return false, nil
	}
}
