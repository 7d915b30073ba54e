package provision

import (
	"context"
	"sync"
	"time"
)

// waiter is a one-shot result slot for a blocking connect. The first resolve
// wins; later ones are ignored.
type waiter struct {
	ch   chan bool
	once sync.Once
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan bool, 1)}
}

func (w *waiter) resolve(ok bool) {
	w.once.Do(func() { w.ch <- ok })
}

// await blocks until the waiter resolves, timeout elapses, ctx is done or
// stop closes. When any of those lands together with the resolution the
// resolution wins. A closed stop with no resolution returns ErrStopped.
func (w *waiter) await(ctx context.Context, timeout time.Duration, stop <-chan struct{}) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case ok := <-w.ch:
		return ok, nil
	case <-timer.C:
	case <-ctx.Done():
	case <-stop:
		err = ErrStopped
	}
	select {
	case ok := <-w.ch:
		return ok, nil
	default:
		return false, err
	}
}
