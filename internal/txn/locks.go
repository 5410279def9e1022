package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quorumdb/internal/clock"
	"quorumdb/internal/protocol"
)

// DefaultLockTimeout bounds how long Lock waits for a record held by
// another request.
const DefaultLockTimeout = 5 * time.Second

type lockEntry struct {
	owner    protocol.RequestID
	released chan struct{}
}

// LockManager hands out exclusive record locks owned by requests.
type LockManager struct {
	timeout time.Duration
	clock   clock.Clock

	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewLockManager creates a lock manager. A zero timeout uses
// DefaultLockTimeout; a nil clock uses the wall clock.
func NewLockManager(timeout time.Duration, clk clock.Clock) *LockManager {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &LockManager{timeout: timeout, clock: clk, locks: map[string]*lockEntry{}}
}

// Lock acquires rid for owner, waiting while another owner holds it. It
// returns true when the lock was newly acquired and false when owner
// already held it. A lock still held after the timeout fails with
// protocol.ErrRecordLocked.
func (l *LockManager) Lock(ctx context.Context, rid string, owner protocol.RequestID) (bool, error) {
	var expired <-chan time.Time
	for {
		l.mu.Lock()
		e, held := l.locks[rid]
		if !held {
			l.locks[rid] = &lockEntry{owner: owner, released: make(chan struct{})}
			l.mu.Unlock()
			return true, nil
		}
		if e.owner == owner {
			l.mu.Unlock()
			return false, nil
		}
		wait := e.released
		l.mu.Unlock()

		if expired == nil {
			expired = l.clock.After(l.timeout)
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return false, ctx.Err()
		case <-expired:
			return false, &protocol.RemoteError{
				Code:    protocol.CodeRecordLocked,
				Message: fmt.Sprintf("record %s is locked by request %s", rid, e.owner),
			}
		}
	}
}

// Unlock releases rid if owner holds it.
func (l *LockManager) Unlock(rid string, owner protocol.RequestID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[rid]
	if !ok || e.owner != owner {
		return false
	}
	delete(l.locks, rid)
	close(e.released)
	return true
}

// ForceLock hands rid to owner regardless of the current holder and
// returns the previous one.
func (l *LockManager) ForceLock(rid string, owner protocol.RequestID) (protocol.RequestID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, held := l.locks[rid]
	if held && prev.owner == owner {
		return owner, true
	}
	l.locks[rid] = &lockEntry{owner: owner, released: make(chan struct{})}
	if !held {
		return protocol.RequestID{}, false
	}
	close(prev.released)
	return prev.owner, true
}

// Owner returns the request holding rid.
func (l *LockManager) Owner(rid string) (protocol.RequestID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[rid]
	if !ok {
		return protocol.RequestID{}, false
	}
	return e.owner, true
}

// ReleaseAll drops every lock held by owner and returns how many were held.
func (l *LockManager) ReleaseAll(owner protocol.RequestID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for rid, e := range l.locks {
		if e.owner == owner {
			delete(l.locks, rid)
			close(e.released)
			n++
		}
	}
	return n
}

// Len returns the number of locked records.
func (l *LockManager) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
