// Package lock provides per-user mutual exclusion for queue joins and
// in-process ledger mutations.
package lock

import (
	"context"
	"sync"
	"time"
)

// userSlot is a one-token semaphore with a reference count so idle users
// are dropped from the map.
type userSlot struct {
	token chan struct{}
	refs  int
}

// UserLock serializes work per user ID. Different users never block each other.
type UserLock struct {
	mu    sync.Mutex
	slots map[string]*userSlot
}

// NewUserLock creates a new UserLock instance.
func NewUserLock() *UserLock {
	return &UserLock{slots: make(map[string]*userSlot)}
}

func (ul *UserLock) acquireSlot(userID string) *userSlot {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	s, ok := ul.slots[userID]
	if !ok {
		s = &userSlot{token: make(chan struct{}, 1)}
		ul.slots[userID] = s
	}
	s.refs++
	return s
}

func (ul *UserLock) dropSlot(userID string, s *userSlot) {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(ul.slots, userID)
	}
}

// Lock blocks until the user's lock is held.
func (ul *UserLock) Lock(userID string) {
	s := ul.acquireSlot(userID)
	s.token <- struct{}{}
}

// Unlock releases the user's lock. Calling Unlock without a matching Lock is a no-op.
func (ul *UserLock) Unlock(userID string) {
	ul.mu.Lock()
	s, ok := ul.slots[userID]
	ul.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-s.token:
		ul.dropSlot(userID, s)
	default:
	}
}

// TryLock acquires the lock without blocking and reports whether it succeeded.
func (ul *UserLock) TryLock(userID string) bool {
	s := ul.acquireSlot(userID)
	select {
	case s.token <- struct{}{}:
		return true
	default:
		ul.dropSlot(userID, s)
		return false
	}
}

// LockContext waits for the lock until ctx is done or timeout elapses.
// A non-positive timeout waits on ctx alone.
func (ul *UserLock) LockContext(ctx context.Context, userID string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s := ul.acquireSlot(userID)
	select {
	case s.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		ul.dropSlot(userID, s)
		if ctx.Err() == context.DeadlineExceeded {
			return ErrLockTimeout
		}
		return ctx.Err()
	}
}

// WithLock executes fn while holding the user's lock.
func (ul *UserLock) WithLock(userID string, fn func() error) error {
	ul.Lock(userID)
	defer ul.Unlock(userID)
	return fn()
}

// WithLockContext executes fn while holding the user's lock, giving up with
// ErrLockTimeout if the lock is not acquired in time.
func (ul *UserLock) WithLockContext(ctx context.Context, userID string, timeout time.Duration, fn func() error) error {
	if err := ul.LockContext(ctx, userID, timeout); err != nil {
		return err
	}
	defer ul.Unlock(userID)
	return fn()
}

// IsLocked reports whether the user's lock is currently held.
// The answer may be stale as soon as it is returned.
func (ul *UserLock) IsLocked(userID string) bool {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	s, ok := ul.slots[userID]
	return ok && len(s.token) == 1
}
