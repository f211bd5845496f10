package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/angeloszaimis/api-gateway/internal/backend"
	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/api-gateway/internal/httpserver"
	"github.com/angeloszaimis/api-gateway/internal/route"
)

// Forwarder proxies one request to the backend of a matched route and
// streams the answer back. Forward always leaves w with a complete
// response, except when the returned error wraps http.ErrAbortHandler, in
// which case the caller must abort the connection.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, entry *route.Entry) error
}

type Options struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	KeepAlive             time.Duration
	MaxIdleConnsPerHost   int
	// FlushInterval is passed to httputil.ReverseProxy; negative flushes
	// after every write.
	FlushInterval time.Duration
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:        5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		KeepAlive:             30 * time.Second,
		MaxIdleConnsPerHost:   32,
		FlushInterval:         -1,
	}
}

type upstream struct {
	backend   *backend.Backend
	transport *http.Transport
	proxy     *httputil.ReverseProxy
}

// StreamingForwarder keeps one connection pool and reverse proxy per
// backend. It is safe for concurrent use.
type StreamingForwarder struct {
	logger    *slog.Logger
	breakers  *circuitbreaker.Registry
	upstreams map[string]*upstream
}

type exchangeKey struct{}

// exchange carries per-request state between Forward and the proxy hooks.
type exchange struct {
	entry     *route.Entry
	w         http.ResponseWriter
	mutex     sync.Mutex
	roundTrip error
	stream    error
}

func (e *exchange) setRoundTrip(err error) {
	e.mutex.Lock()
	e.roundTrip = err
	e.mutex.Unlock()
}

func (e *exchange) setStream(err error) {
	e.mutex.Lock()
	if e.stream == nil {
		e.stream = err
	}
	e.mutex.Unlock()
}

func (e *exchange) errors() (roundTrip, stream error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.roundTrip, e.stream
}

// New builds a forwarder for every backend in reg. breakers may be nil.
func New(logger *slog.Logger, reg *backend.Registry, opts Options, breakers *circuitbreaker.Registry) *StreamingForwarder {
	f := &StreamingForwarder{
		logger:    logger,
		breakers:  breakers,
		upstreams: make(map[string]*upstream, reg.Len()),
	}

	for _, b := range reg.All() {
		f.upstreams[b.Name()] = f.newUpstream(b, opts)
	}

	return f
}

func (f *StreamingForwarder) newUpstream(b *backend.Backend, opts Options) *upstream {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: opts.KeepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       opts.IdleConnTimeout,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	target := b.URL()

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if ex, ok := pr.In.Context().Value(exchangeKey{}).(*exchange); ok {
				pr.Out.URL.Path = ex.entry.RewritePath(pr.In.URL.Path)
				pr.Out.URL.RawPath = ""
				if pr.In.URL.RawPath != "" {
					pr.Out.URL.RawPath = ex.entry.RewritePath(pr.In.URL.RawPath)
				}
			}

			// SetURL also points the Host header at the backend.
			pr.SetURL(target)

			pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
			pr.SetXForwarded()
		},
		Transport:     transport,
		FlushInterval: opts.FlushInterval,
		ErrorLog:      slog.NewLogLogger(f.logger.Handler(), slog.LevelDebug),
		ModifyResponse: func(res *http.Response) error {
			ex, ok := res.Request.Context().Value(exchangeKey{}).(*exchange)
			if !ok {
				return nil
			}

			// Backend CORS headers replace the gateway's instead of
			// being appended next to them.
			for key := range res.Header {
				if strings.HasPrefix(key, "Access-Control-") {
					ex.w.Header().Del(key)
				}
			}

			// Upgraded connections need the raw io.ReadWriteCloser body.
			if res.StatusCode != http.StatusSwitchingProtocols {
				res.Body = &trackedBody{ReadCloser: res.Body, ex: ex}
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if ex, ok := r.Context().Value(exchangeKey{}).(*exchange); ok {
				ex.setRoundTrip(err)
			}
			if r.Context().Err() != nil {
				return
			}
			httpserver.Error(w, http.StatusBadGateway, "bad gateway")
		},
	}

	return &upstream{backend: b, transport: transport, proxy: proxy}
}

// Forward implements Forwarder.
func (f *StreamingForwarder) Forward(w http.ResponseWriter, r *http.Request, entry *route.Entry) (err error) {
	name := entry.Backend.Name()

	up, ok := f.upstreams[name]
	if !ok {
		httpserver.Error(w, http.StatusBadGateway, "bad gateway")
		return fmt.Errorf("%w: no upstream for backend %q", ErrUpstreamUnavailable, name)
	}

	var breaker *circuitbreaker.CircuitBreaker
	if f.breakers != nil {
		breaker = f.breakers.GetBreaker(name)
		if !breaker.Allow() {
			httpserver.Error(w, http.StatusBadGateway, "bad gateway")
			return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, name, ErrCircuitOpen)
		}
	}

	ex := &exchange{entry: entry, w: w}
	req := r.WithContext(context.WithValue(r.Context(), exchangeKey{}, ex))

	defer func() {
		rec := recover()
		if rec != nil && rec != http.ErrAbortHandler {
			panic(rec)
		}
		err = f.settle(r, up, breaker, ex, rec != nil)
	}()

	up.proxy.ServeHTTP(w, req)

	return nil
}

// settle classifies the outcome of one exchange and feeds the breaker.
func (f *StreamingForwarder) settle(r *http.Request, up *upstream, breaker *circuitbreaker.CircuitBreaker, ex *exchange, aborted bool) error {
	name := up.backend.Name()
	roundTrip, stream := ex.errors()
	clientGone := r.Context().Err() != nil

	var err error
	switch {
	case clientGone && (roundTrip != nil || stream != nil || aborted):
		err = ErrClientCanceled
	case roundTrip != nil:
		up.transport.CloseIdleConnections()
		err = fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, name, roundTrip)
	case stream != nil:
		up.transport.CloseIdleConnections()
		err = fmt.Errorf("%w: %s: %w", ErrUpstreamStream, name, stream)
	case aborted:
		// The copy failed on the client side without a context error.
		err = ErrClientCanceled
	}

	if breaker != nil {
		switch {
		case err == nil:
			breaker.RecordSuccess()
		case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrUpstreamStream):
			breaker.RecordFailure()
		default:
			breaker.Release()
		}
	}

	if aborted && err != nil {
		return fmt.Errorf("%w: %w", err, http.ErrAbortHandler)
	}
	return err
}

// Close releases pooled idle connections of every backend.
func (f *StreamingForwarder) Close() {
	for _, up := range f.upstreams {
		up.transport.CloseIdleConnections()
	}
}

type trackedBody struct {
	io.ReadCloser
	ex *exchange
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		b.ex.setStream(err)
	}
	return n, err
}
