// Package circuitbreaker fails requests to a backend fast once it has
// failed repeatedly at the transport level.
//
// A breaker has three states:
//
//   - CLOSED: requests are forwarded
//   - OPEN: requests are answered with 502 without contacting the backend
//   - HALF-OPEN: a single probe request is forwarded to test recovery
//
// Breakers never retry a request; they only decide whether to try once.
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(5, 30*time.Second)
//	cb := registry.GetBreaker("orders")
//	if cb.Allow() {
//	    // Forward request...
//	    if err != nil {
//	        cb.RecordFailure()
//	    } else {
//	        cb.RecordSuccess()
//	    }
//	}
package circuitbreaker
