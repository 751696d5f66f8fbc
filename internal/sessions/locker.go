package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a session lock times out.
var ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

// DefaultLockTimeout bounds how long a writer waits for a session lock.
const DefaultLockTimeout = 30 * time.Second

type sessionLock struct {
	ch   chan struct{} // capacity 1, holding the token means locked
	refs int
}

// Locker serializes writers per session. Locks are created on demand and
// removed when the last holder releases, so idle sessions cost nothing.
type Locker struct {
	mu      sync.Mutex
	locks   map[string]*sessionLock
	timeout time.Duration
}

// NewLocker creates a session locker with the given acquire timeout.
func NewLocker(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Locker{locks: make(map[string]*sessionLock), timeout: timeout}
}

// Lock acquires the session's lock, waiting up to the configured timeout.
// The returned release function must be called exactly once.
func (l *Locker) Lock(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	lock := l.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{ch: make(chan struct{}, 1)}
		l.locks[sessionID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case lock.ch <- struct{}{}:
		return func() {
			<-lock.ch
			l.release(sessionID, lock)
		}, nil
	case <-ctx.Done():
		l.release(sessionID, lock)
		return nil, ctx.Err()
	case <-timer.C:
		l.release(sessionID, lock)
		return nil, ErrLockTimeout
	}
}

func (l *Locker) release(sessionID string, lock *sessionLock) {
	l.mu.Lock()
	lock.refs--
	if lock.refs <= 0 {
		delete(l.locks, sessionID)
	}
	l.mu.Unlock()
}
