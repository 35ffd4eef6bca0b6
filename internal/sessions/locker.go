package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a session lock times out.
var ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

// LockManager serializes writers per session id. A tool call holds the lock
// across lookup, adapter call and upsert so concurrent calls in the same
// session commit in a strict order. Cancellation releases the lock without
// committing.
type LockManager struct {
	mu      sync.Mutex
	locks   map[string]*keyLock
	timeout time.Duration
}

type keyLock struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// NewLockManager creates a lock manager with the given default acquire
// timeout.
func NewLockManager(timeout time.Duration) *LockManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LockManager{
		locks:   make(map[string]*keyLock),
		timeout: timeout,
	}
}

// Acquire takes the per-session lock, waiting up to the manager timeout or
// until ctx is cancelled. It returns a release function; release is
// idempotent.
func (m *LockManager) Acquire(ctx context.Context, sessionID string) (func(), error) {
	m.mu.Lock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[sessionID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case lock.ch <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-lock.ch
				m.unref(sessionID, lock)
			})
		}
		return release, nil
	case <-ctx.Done():
		m.unref(sessionID, lock)
		return nil, ctx.Err()
	case <-timer.C:
		m.unref(sessionID, lock)
		return nil, ErrLockTimeout
	}
}

// unref drops a reference and garbage-collects unused lock entries.
func (m *LockManager) unref(sessionID string, lock *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, sessionID)
	}
}
