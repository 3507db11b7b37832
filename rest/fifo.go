package rest

import (
	"context"
	"sync"
)

// fifoLock is a mutex that grants the lock in strict arrival order.
// sync.Mutex makes no ordering promise, and responses within a bucket
// must be observed in submission order, so buckets queue waiters
// explicitly.
type fifoLock struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// Lock blocks until the lock is granted or ctx is done.
func (l *fifoLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.locked {
		l.locked = true
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The lock was handed to us in the race window; pass it on.
		l.Unlock()
		return ctx.Err()
	}
}

// Unlock hands the lock to the oldest waiter, if any.
func (l *fifoLock) Unlock() {
	l.mu.Lock()
	if len(l.waiters) == 0 {
		l.locked = false
		l.mu.Unlock()
		return
	}
	ch := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.mu.Unlock()
	close(ch)
}
