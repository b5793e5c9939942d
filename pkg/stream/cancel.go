package stream

import (
	"context"
	"sync"
)

// Canceller is a one-shot stop signal shared by every goroutine serving one
// response. The zero value is not usable; use NewCanceller.
type Canceller struct {
	once sync.Once
	done chan struct{}
}

// NewCanceller creates an armed Canceller.
func NewCanceller() *Canceller {
	return &Canceller{done: make(chan struct{})}
}

// Cancel fires the signal. Calling it more than once is harmless.
func (c *Canceller) Cancel() {
	c.once.Do(func() { close(c.done) })
}

// Done returns a channel closed on cancellation.
func (c *Canceller) Done() <-chan struct{} {
	return c.done
}

// Cancelled reports whether Cancel has been called.
func (c *Canceller) Cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Bind derives a context that is cancelled together with c. The returned
// CancelFunc releases the binding and must be called when the request ends.
func (c *Canceller) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
