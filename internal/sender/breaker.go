package sender

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState is the state of the endpoint circuit breaker.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// circuitBreaker stops requests to an endpoint after consecutive transient
// failures and lets a single probe through once resetTimeout has passed.
// A zero maxFailures disables it.
type circuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	state atomic.Int32

	mu           sync.Mutex
	failures     int
	openedAt     time.Time
	probing      bool
	onTransition func(from, to CircuitState)
}

func newCircuitBreaker(maxFailures int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

func (cb *circuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Allow reports whether a request may proceed. In half-open state only one
// probe is in flight at a time.
func (cb *circuitBreaker) Allow() bool {
	if cb.maxFailures <= 0 || cb.State() == CircuitClosed {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.State() {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false
		}
		cb.transition(CircuitHalfOpen)
		cb.probing = true
		return true
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker. Any response from the endpoint counts,
// including a permanent rejection.
func (cb *circuitBreaker) RecordSuccess() {
	if cb.maxFailures <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	if cb.State() != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// RecordFailure counts a transient failure and may open the breaker.
func (cb *circuitBreaker) RecordFailure() {
	if cb.maxFailures <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.probing = false

	switch cb.State() {
	case CircuitClosed:
		if cb.failures >= cb.maxFailures {
			cb.openedAt = cb.now()
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.openedAt = cb.now()
		cb.transition(CircuitOpen)
	}
}

// RecordAbandoned releases a probe whose request was cancelled by the
// caller without reaching a verdict.
func (cb *circuitBreaker) RecordAbandoned() {
	if cb.maxFailures <= 0 {
		return
	}
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

// transition must be called with cb.mu held.
func (cb *circuitBreaker) transition(to CircuitState) {
	from := CircuitState(cb.state.Swap(int32(to)))
	circuitState.Set(float64(to))
	circuitTransitionsTotal.WithLabelValues(to.String()).Inc()
	if cb.onTransition != nil {
		cb.onTransition(from, to)
	}
}
