// Package refreshlock provides an in-process lock keyed by profile id. It
// serializes every operation that mutates or depends on fresh credentials
// for one profile while leaving other profiles fully concurrent.
//
// Waiters never reuse the previous holder's result: each caller runs its own
// function after acquiring the lock and is expected to re-check whether work
// is still needed.
package refreshlock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locker hands out per-key locks. The zero value is not usable; use New.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// WithLock runs fn while holding the lock for key. It blocks until any current
// holder finishes or ctx is done. The lock is released when fn returns or
// panics, and fn's error is returned unchanged.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	e := l.retain(key)
	defer l.release(key, e)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	return fn(ctx)
}

// Do is WithLock for functions that return a value.
func Do[T any](ctx context.Context, l *Locker, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.WithLock(ctx, key, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Held reports whether any caller currently holds or waits for key.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key]
	return ok
}

func (l *Locker) retain(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

// release drops the entry once nobody holds or waits for it so the map does
// not grow with every profile ever seen.
func (l *Locker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
