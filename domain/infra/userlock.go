package infra

import (
	"context"
	"fmt"
	"sync"

	"github.com/puretik/modmail-relay/domain/model"
)

// LockTable hands out one exclusive lock per user id so that
// check-then-create on a user's ticket is atomic without serializing
// unrelated users. Entries are created lazily and removed once the last
// waiter releases, so the table stays proportional to in-flight traffic.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sem  chan struct{}
	refs int
}

func NewLockTable() *LockTable {
	return &LockTable{locks: map[string]*userLock{}}
}

// WithLock runs fn while holding the user's lock. The wait is bounded by
// ctx; a deadline or cancellation before acquisition returns
// ErrLockTimeout and fn never runs. The lock is released on every exit
// path, including a panic inside fn.
func (lt *LockTable) WithLock(ctx context.Context, userID string, fn func() error) error {
	l := lt.retain(userID)
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		lt.release(userID, l, false)
		return fmt.Errorf("%w: %s", model.ErrLockTimeout, userID)
	}
	defer lt.release(userID, l, true)
	return fn()
}

func (lt *LockTable) retain(userID string) *userLock {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	l, ok := lt.locks[userID]
	if !ok {
		l = &userLock{sem: make(chan struct{}, 1)}
		lt.locks[userID] = l
	}
	l.refs++
	return l
}

func (lt *LockTable) release(userID string, l *userLock, held bool) {
	if held {
		<-l.sem
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(lt.locks, userID)
	}
}

// Len reports how many user ids currently have a lock entry.
func (lt *LockTable) Len() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.locks)
}
