package backend

import (
	"net/url"
	"sync"
	"time"
)

// Backend is one logical downstream service. Its name and base URL never
// change after startup; the remaining fields are runtime observations used
// for reporting only and never influence routing.
type Backend struct {
	name             string
	url              *url.URL
	mutex            sync.Mutex
	isHealthy        bool
	activeRequests   int
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

const ewmaAlpha = 0.2

// New creates a Backend. It is reported healthy until a probe says otherwise.
func New(name string, url *url.URL) *Backend {
	return &Backend{
		name:      name,
		url:       url,
		isHealthy: true,
	}
}

// Name returns the logical backend name, e.g. "orders".
func (b *Backend) Name() string {
	return b.name
}

// URL returns the backend base address.
func (b *Backend) URL() *url.URL {
	return b.url
}

// IsHealthy reports the last probe result.
func (b *Backend) IsHealthy() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.isHealthy
}

// SetHealthy updates the observed health status.
// Returns true if the status changed, false if it was already in that state.
func (b *Backend) SetHealthy(healthy bool) (changed bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.isHealthy == healthy {
		return false
	}

	b.isHealthy = healthy
	return true
}

// Acquire marks the start of a forwarded request.
func (b *Backend) Acquire() {
	b.mutex.Lock()
	b.activeRequests++
	b.mutex.Unlock()
}

// Release marks the end of a forwarded request.
func (b *Backend) Release() {
	b.mutex.Lock()
	if b.activeRequests > 0 {
		b.activeRequests--
	}
	b.mutex.Unlock()
}

// ActiveRequests returns the number of requests currently in flight.
func (b *Backend) ActiveRequests() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.activeRequests
}

// RecordResponse folds the latest upstream latency into the EWMA.
func (b *Backend) RecordResponse(duration time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		b.ewmaResponseTime = duration
		b.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	b.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(b.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the smoothed response time, or 0 before the first response.
func (b *Backend) EWMATime() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		return 0
	}

	return b.ewmaResponseTime
}
