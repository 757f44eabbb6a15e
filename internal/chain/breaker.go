package chain

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int32

const (
	CircuitClosed   CircuitState = iota // healthy
	CircuitOpen                         // unavailable, reject calls
	CircuitHalfOpen                     // probing, allow one call to test recovery
)

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

const (
	failureThreshold = 3 // consecutive network failures before opening
	openCooldown     = 30 * time.Second
)

// circuitBreaker tracks RPC endpoint health. Only transport failures count;
// a node rejecting a transaction is a healthy response.
type circuitBreaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	cooldown time.Duration
	now      func() time.Time
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{state: CircuitClosed, cooldown: openCooldown, now: time.Now}
}

// State returns the current circuit state.
func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed. An open circuit moves to
// half-open once the cooldown has elapsed and admits a single trial call.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = CircuitHalfOpen
		return true
	default:
		// A trial call is already in flight.
		return false
	}
}

// RecordSuccess resets failures and closes the circuit.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}

// RecordFailure increments failures; opens the circuit after threshold, or
// immediately when a half-open trial call fails.
func (cb *circuitBreaker) RecordFailure() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
	}
	return cb.state
}
