package ledger

import (
	"context"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long a mutation waits for its batch lock
const DefaultLockTimeout = 2 * time.Second

// LockTable serialises mutations per batch id. Entries exist only while a
// holder or waiter references them, so idle batches cost nothing.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	token chan struct{}
	refs  int
}

// NewLockTable creates an empty lock table
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*keyLock)}
}

// Acquire takes the lock for key, waiting at most timeout.
// It returns ErrBusy on timeout and the context error if ctx ends first.
func (t *LockTable) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{token: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.token <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.token
				t.unref(key, l)
			})
		}, nil
	case <-timer.C:
		t.unref(key, l)
		return nil, ErrBusy
	case <-ctx.Done():
		t.unref(key, l)
		return nil, ctx.Err()
	}
}

func (t *LockTable) unref(key string, l *keyLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

// Len returns the number of keys currently held or waited on
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
