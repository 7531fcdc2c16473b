package sink

import (
	"errors"
	"fmt"

	"github.com/shortontech/sinkflow/internal/lifecycle"
)

var (
	// ErrInvalidState is returned when a sink is used or torn down after
	// teardown has begun.
	ErrInvalidState = lifecycle.ErrInvalidState

	// ErrProtocol means the broker client reported a delivery that had no
	// matching submission. The sink stops accepting items once it is seen.
	ErrProtocol = errors.New("delivery callback with no outstanding submission")
)

// SubmissionError is a submission the client refused outright.
type SubmissionError struct {
	Topic string
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit to %s: %v", e.Topic, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// DeliveryError is an accepted submission the broker failed to confirm.
type DeliveryError struct {
	Topic string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s: %v", e.Topic, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IOError is a failed write to a text destination.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// errNoPayload stands in when the broker confirmed a delivery without
// returning the payload.
var errNoPayload = errors.New("no confirmed payload")
