// Package metrics collects per-backend gateway metrics off the request path.
//
// Handlers emit MetricEvents through Collector.Emit, which never blocks:
// when the buffer is full the event is counted as dropped. A single
// goroutine folds events into Metrics:
//   - request counts per backend and rejected requests by reason
//   - response times with percentile calculations (P50, P95, P99)
//   - HTTP status code distribution
//   - upstream errors by kind
//   - probe health and circuit breaker state
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Backend:    "orders",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
//
// On shutdown the collector drains queued events before exiting.
package metrics
