package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/angeloszaimis/api-gateway/internal/backend"
)

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Path     string
}

// Notify is called whenever a probe flips a backend's observed health.
type Notify func(b *backend.Backend, healthy bool)

// HealthCheck probes the backend's health path until ctx is done. The
// result is recorded on the backend for reporting; it never takes a
// backend out of the route table.
func HealthCheck(
	ctx context.Context,
	b *backend.Backend,
	opts Options,
	logger *slog.Logger,
	notify Notify,
) {
	client := &http.Client{
		Timeout: opts.Timeout,
	}

	healthURL := probeURL(b.URL(), opts.Path)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		healthy := probe(ctx, client, healthURL.String())
		if ctx.Err() != nil {
			logger.Info("Health check stopped", slog.String("backend", b.Name()))
			return
		}

		if b.SetHealthy(healthy) {
			if healthy {
				logger.Info("Backend is back up",
					slog.String("backend", b.Name()),
					slog.String("url", b.URL().String()))
			} else {
				logger.Warn("Backend is down",
					slog.String("backend", b.Name()),
					slog.String("url", b.URL().String()))
			}
			if notify != nil {
				notify(b, healthy)
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("Health check stopped", slog.String("backend", b.Name()))
			return
		case <-ticker.C:
		}
	}
}

// probeURL appends path to the backend's base path, so a backend mounted at
// http://host/api is probed at http://host/api/health.
func probeURL(base *url.URL, path string) *url.URL {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}

func probe(ctx context.Context, client *http.Client, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}

	res, err := client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	return res.StatusCode >= 200 && res.StatusCode < 300
}
