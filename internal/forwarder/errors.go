package forwarder

import "errors"

var (
	// ErrUpstreamUnavailable means no response was obtained from the
	// backend: connection refused, dial or header timeout, or an open
	// circuit. The caller has been sent 502.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamStream means the backend failed after the response had
	// started. The response to the caller is incomplete and must be aborted.
	ErrUpstreamStream = errors.New("upstream stream aborted")

	// ErrClientCanceled means the caller went away; the upstream request
	// was canceled with it.
	ErrClientCanceled = errors.New("client canceled request")

	// ErrCircuitOpen accompanies ErrUpstreamUnavailable when the backend's
	// breaker refused the request.
	ErrCircuitOpen = errors.New("circuit open")
)
