package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventResponseCompleted EventType = "response_completed"
	EventUpstreamError     EventType = "upstream_error"
	EventRequestRejected   EventType = "request_rejected"
	EventHealthChanged     EventType = "health_changed"
	EventBreakerChanged    EventType = "breaker_changed"
)

// Rejection reasons carried by EventRequestRejected.
const (
	ReasonNotFound  = "not_found"
	ReasonMalformed = "malformed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Backend    string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
	// Reason is the rejection reason, upstream error kind or breaker state.
	Reason string
}

// BackendState is a live view of one backend, read when a snapshot is taken.
// Healthy is nil when the backend is not probed.
type BackendState struct {
	Name           string
	ActiveRequests int
	EWMAResponse   time.Duration
	Healthy        *bool
}

type Collector struct {
	eventCh     chan MetricEvent
	metrics     *Metrics
	logger      *slog.Logger
	stateSource func() []BackendState
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

// SetStateSource installs fn to report live backend state in every
// snapshot. Call it before the collector is shared.
func (c *Collector) SetStateSource(fn func() []BackendState) {
	c.stateSource = fn
}

// Emit queues an event without blocking; events are dropped when the
// buffer is full so that request handling never waits on metrics.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
		c.metrics.IncrementDropped()
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Backend)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Backend, event.Duration, event.StatusCode)

	case EventUpstreamError:
		c.metrics.RecordUpstreamError(event.Backend, event.Reason)

	case EventRequestRejected:
		c.metrics.RecordRejection(event.Reason)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Backend, event.Healthy)

	case EventBreakerChanged:
		c.metrics.UpdateBreakerState(event.Backend, event.Reason)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

// Snapshot merges the aggregated events with the live backend state.
func (c *Collector) Snapshot() Snapshot {
	snap := c.metrics.Snapshot()
	if c.stateSource == nil {
		return snap
	}

	for _, st := range c.stateSource() {
		bm := snap.Backends[st.Name]
		bm.ActiveRequests = st.ActiveRequests
		bm.EWMAResponse = st.EWMAResponse
		if st.Healthy != nil {
			healthy := *st.Healthy
			bm.Healthy = &healthy
		}
		snap.Backends[st.Name] = bm
	}

	return snap
}
