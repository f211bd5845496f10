// Package httpserver wraps net/http's server with listen address
// validation, streaming-friendly timeouts and bounded graceful shutdown,
// and provides the JSON error body shared by the gateway handlers.
package httpserver
