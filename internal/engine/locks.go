package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rendis/stagegate/internal/metrics"
)

// threadLocks serializes engine calls per thread. Waiters queue in FIFO
// order and give up when their context ends. Entries are dropped once no
// holder or waiter references them.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// acquire blocks until the thread's lock is held or ctx ends.
func (l *threadLocks) acquire(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[threadID]
	if !ok {
		lk = &threadLock{sem: semaphore.NewWeighted(1)}
		l.locks[threadID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	start := time.Now()
	if err := lk.sem.Acquire(ctx, 1); err != nil {
		l.unref(threadID, lk)
		return nil, err
	}
	metrics.RecordLockWait(time.Since(start))

	var once sync.Once
	return func() {
		once.Do(func() {
			lk.sem.Release(1)
			l.unref(threadID, lk)
		})
	}, nil
}

func (l *threadLocks) unref(threadID string, lk *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, threadID)
	}
}

func (l *threadLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
