package llm

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject calls
	CircuitHalfOpen                     // Testing recovery
)

// String returns a human-readable label for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerStats counts what passed through a breaker since construction.
type BreakerStats struct {
	Requests  int64 `json:"requests"`
	Failures  int64 `json:"failures"`
	Successes int64 `json:"successes"`
	Rejected  int64 `json:"rejected"`
}

// CircuitBreaker isolates one upstream. Consecutive failures beyond the
// threshold open the circuit; calls are rejected until the open timeout
// elapses, then a half-open probe is allowed. Consecutive successes in
// half-open close the circuit again.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	nextAttemptAt    time.Time
	probeInFlight    bool
	stats            BreakerStats
}

// NewCircuitBreaker creates a breaker with the given thresholds. Zero values
// fall back to the documented defaults (5 failures / 2 successes / 60s).
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if openTimeout <= 0 {
		openTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
	}
}

// Allow reports whether a call may proceed. When the circuit is open,
// retryAfter is the time remaining until the next probe is permitted.
func (cb *CircuitBreaker) Allow() (allowed bool, retryAfter time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.Requests++

	switch cb.state {
	case CircuitClosed:
		return true, 0
	case CircuitOpen:
		if time.Now().After(cb.nextAttemptAt) {
			cb.state = CircuitHalfOpen
			cb.successCount = 0
			cb.probeInFlight = true
			return true, 0
		}
		cb.stats.Rejected++
		cb.stats.Requests--
		return false, time.Until(cb.nextAttemptAt)
	case CircuitHalfOpen:
		// One probe at a time; the next is admitted once the current one
		// reports its result.
		if cb.probeInFlight {
			cb.stats.Rejected++
			cb.stats.Requests--
			return false, time.Second
		}
		cb.probeInFlight = true
		return true, 0
	}
	cb.stats.Rejected++
	return false, cb.openTimeout
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.Successes++
	cb.failureCount = 0
	cb.probeInFlight = false
	if cb.state == CircuitHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = CircuitClosed
		}
	}
}

// RecordCancellation releases the half-open probe slot for a call the caller
// cancelled. Cancellation says nothing about upstream health, so neither
// counter moves.
func (cb *CircuitBreaker) RecordCancellation() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probeInFlight = false
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.Failures++
	cb.failureCount++
	cb.probeInFlight = false

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open immediately re-opens.
		cb.state = CircuitOpen
		cb.nextAttemptAt = time.Now().Add(cb.openTimeout)
		return
	}

	if cb.failureCount >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.nextAttemptAt = time.Now().Add(cb.openTimeout)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// Reset forces the circuit back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.probeInFlight = false
}
