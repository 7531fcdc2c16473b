// Package loop runs posted tasks one at a time on a dedicated goroutine.
// State touched only from tasks needs no locking.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Call once the loop has been stopped.
var ErrStopped = errors.New("loop stopped")

// Loop is a single-goroutine executor with an unbounded FIFO mailbox.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// New starts a loop.
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues fn. It never blocks, including when called from a task.
// It reports false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// AfterFunc posts fn once d has elapsed. The returned timer may be stopped.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Call runs fn on the loop and waits for its result.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !l.Post(func() { res <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrStopped
		}
	}
}

// Stop refuses new tasks, runs the ones already queued and waits for the
// loop goroutine to exit. It must not be called from a task.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()
	<-l.done
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-l.wake
	}
}
