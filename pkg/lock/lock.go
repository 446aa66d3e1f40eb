// Package lock provides the non-blocking mutual exclusion that keeps training
// cycles and operator actions from overlapping, on one host or across several.
package lock

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrLocked is returned by TryLock when another holder owns the lock.
	ErrLocked = errors.New("lock held by another process")

	// ErrLockLost is the cancellation cause of a lock context whose lock
	// could no longer be kept.
	ErrLockLost = errors.New("lock lost")
)

// Release gives up a held lock. It is safe to call more than once.
type Release func()

// Locker acquires the cycle lock without waiting. The returned context is
// derived from ctx and is cancelled on release, or with ErrLockLost as its
// cause when the lock stops being exclusive. Work done under the lock should
// use it.
type Locker interface {
	TryLock(ctx context.Context) (context.Context, Release, error)
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu sync.Mutex
}

// NewMemoryLocker returns an unlocked MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{}
}

// TryLock implements Locker.
func (m *MemoryLocker) TryLock(ctx context.Context) (context.Context, Release, error) {
	if !m.mu.TryLock() {
		return nil, nil, ErrLocked
	}
	lctx, cancel := context.WithCancel(ctx)
	return lctx, onceRelease(func() {
		cancel()
		m.mu.Unlock()
	}), nil
}

// Lost returns the ErrLockLost cause of a lock context, or nil while the lock
// is still held.
func Lost(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrLockLost) {
		return cause
	}
	return nil
}

func onceRelease(fn func()) Release {
	var once sync.Once
	return func() { once.Do(fn) }
}
