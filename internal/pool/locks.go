// Package pool implements account selection, failure classification, the
// dispatch pipeline, background health monitoring, and readiness over the
// token store.
package pool

import (
	"context"
	"sync"
)

// LockMap provides per-account exclusivity. A lock is held for the duration
// of one upstream send or one refresh probe. Non-reentrant.
type LockMap struct {
	mu    sync.Mutex
	locks map[int64]bool

	// released pulses whenever any lock frees, so waiters can re-scan.
	released chan struct{}
}

// NewLockMap creates an empty lock map.
func NewLockMap() *LockMap {
	return &LockMap{
		locks:    make(map[int64]bool),
		released: make(chan struct{}, 1),
	}
}

// TryAcquire takes the lock for an account without blocking.
func (l *LockMap) TryAcquire(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[id] {
		return false
	}
	l.locks[id] = true
	return true
}

// Release frees an account's lock and wakes one waiter.
func (l *LockMap) Release(id int64) {
	l.mu.Lock()
	delete(l.locks, id)
	l.mu.Unlock()

	select {
	case l.released <- struct{}{}:
	default:
	}
}

// WaitRelease blocks until any lock is released or the context ends.
func (l *LockMap) WaitRelease(ctx context.Context) error {
	select {
	case <-l.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Held reports whether an account's lock is currently taken.
func (l *LockMap) Held(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locks[id]
}
