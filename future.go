package resilience

import "context"

// Future is the handle returned by the executor's asynchronous modes. It
// completes exactly once; Result blocks until then, Wait additionally honors
// a caller context.
type Future[T any] struct {
	done   chan struct{}
	result T
	err    error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(result T, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Done returns a channel closed when the operation has completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the operation completes and returns its outcome.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.result, f.err
}

// Wait blocks until the operation completes or ctx is done, whichever comes
// first. On context expiry the operation keeps running in the background;
// only this wait is abandoned.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
