// Package forwarder streams requests to backends and their responses back.
//
// StreamingForwarder rewrites the path according to the matched route,
// points the Host header at the backend, sets the X-Forwarded-* headers,
// drops hop-by-hop headers and copies bodies in both directions without
// buffering. Each backend has its own pooled transport with explicit dial
// and response-header timeouts. Failures never trigger a retry: a backend
// that cannot be reached yields 502, a backend that fails mid-response
// aborts the caller's connection.
package forwarder
