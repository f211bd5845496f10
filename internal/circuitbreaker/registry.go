package circuitbreaker

import (
	"sync"
	"time"
)

// Registry hands out one breaker per backend name.
type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*CircuitBreaker
	threshold int
	timeout   time.Duration
	onChange  func(backend string, from, to State)
}

func NewRegistry(threshold int, timeout time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		timeout:   timeout,
	}
}

// OnStateChange installs a hook called on every transition of every
// breaker created afterwards. The hook runs under the breaker's lock and
// must not call back into it.
func (r *Registry) OnStateChange(fn func(backend string, from, to State)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.onChange = fn
}

func (r *Registry) GetBreaker(backend string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[backend]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[backend]; exists {
		return cb
	}

	cb = NewCircuitBreaker(r.threshold, r.timeout)
	if r.onChange != nil {
		hook := r.onChange
		cb.onChange = func(from, to State) { hook(backend, from, to) }
	}
	r.breakers[backend] = cb
	return cb
}
