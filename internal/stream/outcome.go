package stream

import (
	"context"
	"errors"

	"github.com/shortontech/sinkflow/internal/future"
)

// Outcome is what a node returns from Deliver: either the effect already
// happened (completed) or it is still in flight (pending on a future).
type Outcome struct {
	f *future.Future
}

// Completed reports an effect that finished synchronously.
func Completed() Outcome { return Outcome{} }

// Pending wraps an in-flight effect. A nil future is treated as completed.
func Pending(f *future.Future) Outcome { return Outcome{f: f} }

// IsPending reports whether the outcome carries a future.
func (o Outcome) IsPending() bool { return o.f != nil }

// Future returns the underlying future, or nil for a completed outcome.
func (o Outcome) Future() *future.Future { return o.f }

// Wait blocks until the effect is done or ctx ends.
func (o Outcome) Wait(ctx context.Context) error {
	if o.f == nil {
		return nil
	}
	return o.f.Wait(ctx)
}

// WaitAll waits on every outcome and joins their errors.
func WaitAll(ctx context.Context, outcomes ...Outcome) error {
	var errs []error
	for _, o := range outcomes {
		if err := o.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// joined folds several pending outcomes into one that resolves once all of
// them have, carrying their joined errors.
func joined(outcomes []Outcome) Outcome {
	f := future.New()
	go func() {
		var errs []error
		for _, o := range outcomes {
			<-o.f.Done()
			if _, err := o.f.Peek(); err != nil {
				errs = append(errs, err)
			}
		}
		f.Resolve(errors.Join(errs...))
	}()
	return Pending(f)
}
