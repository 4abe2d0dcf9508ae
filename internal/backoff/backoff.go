// Package backoff paces worker script restarts after boot failures.
package backoff

import (
	"sync"
	"time"
)

type ExponentialBackoff struct {
	backoff                time.Duration
	failureCount           int
	mu                     sync.RWMutex
	MaxBackoff             time.Duration
	MinBackoff             time.Duration
	MaxConsecutiveFailures int // -1 never gives up
}

// RecordSuccess resets the backoff and failure count.
func (e *ExponentialBackoff) RecordSuccess() {
	e.mu.Lock()
	e.failureCount = 0
	e.backoff = e.MinBackoff
	e.mu.Unlock()
}

// RecordFailure increments the failure count and doubles the backoff. It
// returns true once MaxConsecutiveFailures has been reached.
func (e *ExponentialBackoff) RecordFailure() bool {
	e.mu.Lock()
	e.failureCount++
	if e.backoff < e.MinBackoff {
		e.backoff = e.MinBackoff
	}

	e.backoff = min(e.backoff*2, e.MaxBackoff)

	e.mu.Unlock()
	return e.MaxConsecutiveFailures != -1 && e.failureCount >= e.MaxConsecutiveFailures
}

// Wait sleeps for the current backoff if the last attempt failed.
func (e *ExponentialBackoff) Wait() {
	e.mu.RLock()
	if e.failureCount == 0 {
		e.mu.RUnlock()
		return
	}
	d := e.backoff
	e.mu.RUnlock()

	time.Sleep(d)
}

func (e *ExponentialBackoff) FailureCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.failureCount
}
