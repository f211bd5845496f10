package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/angeloszaimis/api-gateway/internal/forwarder"
	"github.com/angeloszaimis/api-gateway/internal/httpserver"
	"github.com/angeloszaimis/api-gateway/internal/metrics"
	"github.com/angeloszaimis/api-gateway/internal/route"
	"github.com/angeloszaimis/api-gateway/pkg/logger"
)

// ErrMalformedRequest is returned for requests that cannot be routed at all.
var ErrMalformedRequest = errors.New("malformed request")

// GatewayHandler routes each request through the table and hands it to the
// forwarder.
type GatewayHandler struct {
	logger           *slog.Logger
	table            *route.Table
	forwarder        forwarder.Forwarder
	metricsCollector *metrics.Collector
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func NewGatewayHandler(logger *slog.Logger, table *route.Table, fwd forwarder.Forwarder, collector *metrics.Collector) *GatewayHandler {
	return &GatewayHandler{
		logger:           logger,
		table:            table,
		forwarder:        fwd,
		metricsCollector: collector,
	}
}

func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), h.logger)

	log.Debug("Received request",
		slog.String("proto", r.Proto),
		slog.String("host", r.Host),
		slog.String("user_agent", r.UserAgent()))

	if err := validateRequest(r); err != nil {
		log.Warn("Rejecting malformed request", slog.Any("err", err))
		h.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventRequestRejected, Reason: metrics.ReasonMalformed})
		httpserver.Error(w, http.StatusBadRequest, "bad request")
		return
	}

	entry, err := h.table.Match(r.URL.Path)
	if err != nil {
		log.Info("No route for path")
		h.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventRequestRejected, Reason: metrics.ReasonNotFound})
		NotFound(w, r)
		return
	}

	b := entry.Backend
	b.Acquire()
	defer b.Release()

	log = log.With(slog.String("backend", b.Name()), slog.String("route", entry.PathPrefix))
	h.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived, Backend: b.Name()})

	start := time.Now()
	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	err = h.forwarder.Forward(wrapped, r, entry)
	duration := time.Since(start)

	if err == nil {
		b.RecordResponse(duration)
	}
	log = log.With(
		slog.Int("in_flight", b.ActiveRequests()),
		slog.Duration("ewma", b.EWMATime()),
		slog.Bool("backend_healthy", b.IsHealthy()))
	h.record(log, b.Name(), wrapped.statusCode, duration, err)

	if errors.Is(err, http.ErrAbortHandler) {
		panic(http.ErrAbortHandler)
	}
}

func (h *GatewayHandler) record(log *slog.Logger, backendName string, status int, duration time.Duration, err error) {
	attrs := []any{slog.Int("status", status), slog.Duration("duration", duration)}

	var kind string
	switch {
	case err == nil:
		log.Info("Forwarded request", attrs...)
	case errors.Is(err, forwarder.ErrClientCanceled):
		kind = "client_canceled"
		log.Info("Client went away before the response completed", attrs...)
	case errors.Is(err, forwarder.ErrUpstreamStream):
		kind = "stream"
		log.Error("Backend failed mid-response, aborting", append(attrs, slog.Any("err", err))...)
	case errors.Is(err, forwarder.ErrCircuitOpen):
		kind = "circuit_open"
		log.Warn("Circuit open, backend not contacted", attrs...)
	default:
		kind = "unavailable"
		log.Error("Backend unavailable", append(attrs, slog.Any("err", err))...)
	}

	if kind != "" {
		h.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventUpstreamError, Backend: backendName, Reason: kind})
	}
	if kind != "client_canceled" {
		h.metricsCollector.Emit(metrics.MetricEvent{
			Type:       metrics.EventResponseCompleted,
			Backend:    backendName,
			Duration:   duration,
			StatusCode: status,
		})
	}
}

// NotFound writes the gateway's 404 body.
func NotFound(w http.ResponseWriter, r *http.Request) {
	httpserver.Error(w, http.StatusNotFound, "not found")
}

// RequestLogger stores a logger tagged with the request id, method, path
// and client address in the request context.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := base.With(
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("client", extractClientIP(r)))

			next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context(), log)))
		})
	}
}

func validateRequest(r *http.Request) error {
	if r.URL == nil {
		return fmt.Errorf("%w: missing URL", ErrMalformedRequest)
	}

	path := r.URL.Path
	if path == "" || path[0] != '/' {
		return fmt.Errorf("%w: path %q is not absolute", ErrMalformedRequest, path)
	}

	for i := 0; i < len(path); i++ {
		if c := path[i]; c < 0x20 || c == 0x7f {
			return fmt.Errorf("%w: control character in path", ErrMalformedRequest)
		}
	}

	return nil
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush and Hijack.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
