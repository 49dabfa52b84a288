// Package lane serializes mutations: a weighted semaphore bounds global
// write concurrency, and a per-record channel mutex makes writes to the
// same record FIFO. Admission waits are bounded; a timed-out write never
// touches the store.
package lane

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/palacehq/palace/internal/types"
)

const (
	DefaultConcurrency = 4
	DefaultWaitTimeout = 10 * time.Second
)

// Lane is the write admission gate. Safe for concurrent use.
type Lane struct {
	sem         *semaphore.Weighted
	waitTimeout time.Duration

	mu      sync.Mutex
	records map[string]*recordLock
}

// recordLock is a channel mutex. Blocked acquirers queue on the channel
// send, which the runtime serves in order.
type recordLock struct {
	ch   chan struct{}
	refs int
}

// New builds a lane. Non-positive arguments fall back to the defaults.
func New(concurrency int64, waitTimeout time.Duration) *Lane {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Lane{
		sem:         semaphore.NewWeighted(concurrency),
		waitTimeout: waitTimeout,
		records:     make(map[string]*recordLock),
	}
}

// Run executes fn while holding global admission and the mutex for key.
// The wait timeout bounds only admission; once admitted, fn runs under
// the caller's context.
func (l *Lane) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	release, err := l.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (l *Lane) acquire(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.waitTimeout)
	defer cancel()

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		return nil, laneTimeout(ctx, key)
	}

	lock := l.checkout(key)
	select {
	case lock.ch <- struct{}{}:
	case <-waitCtx.Done():
		l.checkin(key)
		l.sem.Release(1)
		return nil, laneTimeout(ctx, key)
	}

	return func() {
		<-lock.ch
		l.checkin(key)
		l.sem.Release(1)
	}, nil
}

func (l *Lane) checkout(key string) *recordLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.records[key]
	if !ok {
		lock = &recordLock{ch: make(chan struct{}, 1)}
		l.records[key] = lock
	}
	lock.refs++
	return lock
}

func (l *Lane) checkin(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.records[key]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs <= 0 {
		delete(l.records, key)
	}
}

// laneTimeout distinguishes admission timeouts from caller cancellation:
// a cancelled parent context propagates as-is.
func laneTimeout(parent context.Context, key string) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	return types.NewError(types.KindLaneTimeout, "write lane wait timed out for "+key)
}
