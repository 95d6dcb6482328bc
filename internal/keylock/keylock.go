// Package keylock provides per-key exclusive locks that hold both within the
// process and across processes sharing a directory.
package keylock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// DefaultRetryDelay is the polling interval used while waiting for a file lock
const DefaultRetryDelay = 50 * time.Millisecond

// Locker hands out exclusive locks by key. Locks for a key are created on demand
// and released from the table once no goroutine holds or waits for them.
type Locker struct {
	dir        string
	retryDelay time.Duration

	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	// sem is a one-slot semaphore so that waiting can observe context cancellation
	sem  chan struct{}
	refs int
}

// New creates a Locker whose cross-process lock files live in dir
// (one <key>.lock file per key). An empty dir disables file locking.
func New(dir string) *Locker {
	return &Locker{
		dir:        dir,
		retryDelay: DefaultRetryDelay,
		locks:      make(map[string]*entry),
	}
}

// Unlock releases a lock obtained from Lock
type Unlock func()

// Lock blocks until the lock for key is held or ctx is done
func (l *Locker) Lock(ctx context.Context, key string) (Unlock, error) {
	e := l.acquire(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	if l.dir == "" {
		return l.unlocker(key, e, nil), nil
	}

	if err := os.MkdirAll(l.dir, 0750); err != nil {
		<-e.sem
		l.release(key, e)
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(filepath.Join(l.dir, key+".lock"))
	locked, err := fl.TryLockContext(ctx, l.retryDelay)
	if err != nil || !locked {
		<-e.sem
		l.release(key, e)
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}

	return l.unlocker(key, e, fl), nil
}

func (l *Locker) unlocker(key string, e *entry, fl *flock.Flock) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			if fl != nil {
				_ = fl.Unlock()
			}
			<-e.sem
			l.release(key, e)
		})
	}
}

func (l *Locker) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// size returns the number of keys currently tracked
func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
