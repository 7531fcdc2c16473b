// Package broker adapts Kafka client libraries to one small producer
// interface: buffered asynchronous submission with delivery callbacks that
// fire in acceptance order, pumped by explicit polling.
package broker

import (
	"errors"
	"time"
)

// ErrBackpressure is returned by Submit when the client send buffer is full.
// The submission was not accepted and may be retried.
var ErrBackpressure = errors.New("broker send buffer full")

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("broker client closed")

// Report is the delivery result for one accepted submission. A nil Payload
// means the broker returned no confirmed value.
type Report struct {
	Topic   string
	Payload []byte
	Err     error
}

// DeliveryFunc is called once per accepted submission, in acceptance order,
// from whichever goroutine polls the client.
type DeliveryFunc func(Report)

// Client is a buffered asynchronous producer.
type Client interface {
	// Submit enqueues payload for topic. It never blocks; a full buffer
	// yields ErrBackpressure.
	Submit(topic string, payload []byte, onDelivery DeliveryFunc) error
	// PollOnce fires any delivery callbacks that are ready without blocking
	// and returns how many fired.
	PollOnce() int
	// DrainPending waits up to timeout for outstanding submissions to be
	// delivered, firing their callbacks. A negative timeout waits
	// indefinitely. It returns the number still outstanding.
	DrainPending(timeout time.Duration) int
	// Close releases the client. Outstanding submissions are abandoned.
	Close() error
}

// drainStep bounds each wait inside DrainPending so the deadline is honoured.
const drainStep = 20 * time.Millisecond

func drainDeadline(timeout time.Duration) (time.Time, bool) {
	if timeout < 0 {
		return time.Time{}, false
	}
	return time.Now().Add(timeout), true
}
