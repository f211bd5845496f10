package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex          sync.RWMutex
	requests       map[string]int64
	responseTimes  map[string][]time.Duration
	statusCodes    map[string]map[int]int64
	upstreamErrors map[string]map[string]int64
	healthStatus   map[string]bool
	breakerStates  map[string]string
	rejected       map[string]int64
	dropped        int64
	startTime      time.Time
}

type Snapshot struct {
	TotalRequests int64                     `json:"total_requests"`
	Rejected      map[string]int64          `json:"rejected"`
	DroppedEvents int64                     `json:"dropped_events"`
	Uptime        time.Duration             `json:"uptime"`
	Backends      map[string]BackendMetrics `json:"backends"`
}

type BackendMetrics struct {
	Requests       int64            `json:"requests"`
	ActiveRequests int              `json:"active_requests"`
	EWMAResponse   time.Duration    `json:"ewma_response"`
	Healthy        *bool            `json:"healthy,omitempty"`
	BreakerState   string           `json:"breaker_state,omitempty"`
	AvgResponse    time.Duration    `json:"avg_response"`
	P50Response    time.Duration    `json:"p50_response"`
	P95Response    time.Duration    `json:"p95_response"`
	P99Response    time.Duration    `json:"p99_response"`
	StatusCodes    map[int]int64    `json:"status_codes"`
	UpstreamErrors map[string]int64 `json:"upstream_errors,omitempty"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:       make(map[string]int64),
		responseTimes:  make(map[string][]time.Duration),
		statusCodes:    make(map[string]map[int]int64),
		upstreamErrors: make(map[string]map[string]int64),
		healthStatus:   make(map[string]bool),
		breakerStates:  make(map[string]string),
		rejected:       make(map[string]int64),
		startTime:      time.Now(),
	}
}

func (m *Metrics) IncrementRequests(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests[backend]++
}

func (m *Metrics) RecordResponse(backend string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes[backend] = append(m.responseTimes[backend], duration)
	if len(m.responseTimes[backend]) > maxSamples {
		m.responseTimes[backend] = m.responseTimes[backend][1:]
	}

	if m.statusCodes[backend] == nil {
		m.statusCodes[backend] = make(map[int]int64)
	}
	m.statusCodes[backend][statusCode]++
}

func (m *Metrics) RecordUpstreamError(backend, kind string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.upstreamErrors[backend] == nil {
		m.upstreamErrors[backend] = make(map[string]int64)
	}
	m.upstreamErrors[backend][kind]++
}

func (m *Metrics) RecordRejection(reason string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rejected[reason]++
}

func (m *Metrics) IncrementDropped() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.dropped++
}

func (m *Metrics) UpdateHealthStatus(backend string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[backend] = healthy
}

func (m *Metrics) UpdateBreakerState(backend, state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.breakerStates[backend] = state
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:        time.Since(m.startTime),
		Backends:      make(map[string]BackendMetrics),
		Rejected:      make(map[string]int64, len(m.rejected)),
		DroppedEvents: m.dropped,
	}

	for reason, n := range m.rejected {
		snap.Rejected[reason] = n
		snap.TotalRequests += n
	}

	names := make(map[string]struct{})
	for name := range m.requests {
		names[name] = struct{}{}
	}
	for name := range m.responseTimes {
		names[name] = struct{}{}
	}
	for name := range m.upstreamErrors {
		names[name] = struct{}{}
	}
	for name := range m.healthStatus {
		names[name] = struct{}{}
	}
	for name := range m.breakerStates {
		names[name] = struct{}{}
	}

	for name := range names {
		snap.TotalRequests += m.requests[name]

		bm := BackendMetrics{
			Requests:       m.requests[name],
			BreakerState:   m.breakerStates[name],
			StatusCodes:    copyCounts(m.statusCodes[name]),
			UpstreamErrors: copyCounts(m.upstreamErrors[name]),
		}

		if healthy, ok := m.healthStatus[name]; ok {
			bm.Healthy = &healthy
		}

		durations := m.responseTimes[name]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			bm.AvgResponse = average(sorted)
			bm.P50Response = percentile(sorted, 0.50)
			bm.P95Response = percentile(sorted, 0.95)
			bm.P99Response = percentile(sorted, 0.99)
		}

		snap.Backends[name] = bm
	}

	return snap
}

func copyCounts[K comparable](in map[K]int64) map[K]int64 {
	if in == nil {
		return nil
	}
	out := make(map[K]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
