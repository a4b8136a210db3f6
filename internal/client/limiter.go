package client

import "runtime"

// DefaultSyncFallbackConcurrency bounds concurrent synchronous sends when the
// background queue is full.
func DefaultSyncFallbackConcurrency() int {
	return runtime.NumCPU() * 4
}

// limiter is a channel-based semaphore.
type limiter struct {
	sem chan struct{}
}

// newLimiter creates a limiter. A non-positive limit uses
// DefaultSyncFallbackConcurrency.
func newLimiter(limit int) *limiter {
	if limit <= 0 {
		limit = DefaultSyncFallbackConcurrency()
	}
	return &limiter{sem: make(chan struct{}, limit)}
}

// TryAcquire takes a slot without blocking and reports whether it got one.
func (l *limiter) TryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot taken by TryAcquire.
func (l *limiter) Release() {
	<-l.sem
}

// InUse returns the number of slots currently held.
func (l *limiter) InUse() int {
	return len(l.sem)
}

// Limit returns the maximum number of concurrent holders.
func (l *limiter) Limit() int {
	return cap(l.sem)
}
