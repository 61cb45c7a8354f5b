// Package lock provides a mutual exclusion lock whose acquisition is bounded
// by a timeout instead of blocking indefinitely.
package lock

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultTimeout is used when a zero timeout is configured.
const DefaultTimeout = 30 * time.Second

// ErrContention is returned when the lock could not be acquired in time.
var ErrContention = errors.New("lock contention")

type Timed struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

func New(timeout time.Duration) *Timed {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Timed{sem: semaphore.NewWeighted(1), timeout: timeout}
}

// Acquire waits at most the configured timeout for the lock. A cancelled
// parent context is reported as is, an expired wait as ErrContention.
func (l *Timed) Acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.sem.TryAcquire(1) {
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrContention
	}
	return nil
}

func (l *Timed) Release() {
	l.sem.Release(1)
}

func (l *Timed) Timeout() time.Duration {
	return l.timeout
}
