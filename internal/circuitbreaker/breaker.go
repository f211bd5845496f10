package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Forwarding normally
	StateOpen                  // Failing fast
	StateHalfOpen              // One probe request in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker guards a single backend.
type CircuitBreaker struct {
	mutex            sync.Mutex
	state            State
	failures         int
	openedAt         time.Time
	probeStarted     time.Time
	probing          bool
	failureThreshold int
	resetTimeout     time.Duration
	onChange         func(from, to State)
}

func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: threshold,
		resetTimeout:     timeout,
	}
}

// Allow reports whether a request may be sent upstream. After the reset
// timeout an open breaker lets exactly one probe through; a probe that
// never reports back is replaced after another reset timeout.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.startProbe()
		return true
	case StateHalfOpen:
		if cb.probing && time.Since(cb.probeStarted) < cb.resetTimeout {
			return false
		}
		cb.startProbe()
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.probing = false

	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.openedAt = time.Now()
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures = 0
	cb.probing = false
	cb.transition(StateClosed)
}

// Release ends an admitted request that produced no verdict on the backend,
// such as one the client abandoned. A pending half-open probe slot is
// freed so the next request can probe; the state is left unchanged.
func (cb *CircuitBreaker) Release() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.probing = false
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) startProbe() {
	cb.probing = true
	cb.probeStarted = time.Now()
}

// transition must be called with the mutex held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}
