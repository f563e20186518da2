package service

import "context"

// flight is one outstanding fetch. Refreshes issued while it is outstanding
// join it and observe the same result instead of starting another fetch.
type flight struct {
	done chan struct{}
	err  error
}

func newFlight() *flight {
	return &flight{done: make(chan struct{})}
}

// wait blocks until the flight lands or ctx is done. A cancelled waiter
// does not affect the flight itself.
func (f *flight) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// land records err and releases every waiter. Called exactly once.
func (f *flight) land(err error) {
	f.err = err
	close(f.done)
}
