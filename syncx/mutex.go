// Package syncx provides context-aware concurrency primitives for
// coordinating asynchronous work: a FIFO mutex and a concurrency/rate limiter.
package syncx

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Mutex is a mutual-exclusion lock whose Lock can be abandoned through its
// context. Waiters acquire the lock in arrival order.
type Mutex struct {
	sem *semaphore.Weighted
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the lock is held or ctx is done. On ctx error the lock
// is not held.
func (m *Mutex) Lock(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

// TryLock acquires the lock only if it is free and nobody is waiting.
func (m *Mutex) TryLock() bool {
	return m.sem.TryAcquire(1)
}

// Unlock releases the lock. Unlocking an unlocked Mutex panics.
func (m *Mutex) Unlock() {
	m.sem.Release(1)
}

// WithLock runs fn while holding the lock. The lock is released when fn
// returns or panics.
func (m *Mutex) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer m.Unlock()
	return fn(ctx)
}
