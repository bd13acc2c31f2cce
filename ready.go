package docbind

import (
	"context"
	"sync"
)

// readyLatch is a single-resolution latch carrying the value observed at
// the moment it resolved. A fresh latch is armed for every source
// generation; resolving twice is a no-op, so every waiter of one
// generation sees the same value.
type readyLatch[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	ok   bool
}

func newReadyLatch[T any]() *readyLatch[T] {
	return &readyLatch[T]{done: make(chan struct{})}
}

func (l *readyLatch[T]) resolve(val T, ok bool) {
	l.once.Do(func() {
		l.val = val
		l.ok = ok
		close(l.done)
	})
}

func (l *readyLatch[T]) resolved() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *readyLatch[T]) wait(ctx context.Context) (T, bool, error) {
	select {
	case <-l.done:
		return l.val, l.ok, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}
