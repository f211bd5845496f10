package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/api-gateway/config"
	"github.com/angeloszaimis/api-gateway/internal/backend"
	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/api-gateway/internal/forwarder"
	"github.com/angeloszaimis/api-gateway/internal/handler"
	"github.com/angeloszaimis/api-gateway/internal/healthcheck"
	"github.com/angeloszaimis/api-gateway/internal/httpserver"
	"github.com/angeloszaimis/api-gateway/internal/metrics"
	"github.com/angeloszaimis/api-gateway/internal/route"
	"github.com/angeloszaimis/api-gateway/pkg/logger"
)

const metricsBufferSize = 1024

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Gateway stopped", slog.Any("err", err))
		cancel()
		os.Exit(1)
	}

	log.Info("Gateway stopped")
}

// gateway holds everything built from the configuration before any
// listener is bound.
type gateway struct {
	registry  *backend.Registry
	table     *route.Table
	forwarder *forwarder.StreamingForwarder
	collector *metrics.Collector
	public    http.Handler
	admin     http.Handler
}

// newGateway wires the gateway and starts its background goroutines, which
// stop with ctx.
func newGateway(ctx context.Context, cfg *config.Config, log *slog.Logger) (*gateway, error) {
	reg, table, err := buildRoutes(cfg)
	if err != nil {
		return nil, err
	}

	opts, err := proxyOptions(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(metricsBufferSize, log)
	collector.SetStateSource(backendStates(reg, cfg.HealthCheck.Enabled))

	breakers, err := newBreakers(cfg.CircuitBreaker, log, collector)
	if err != nil {
		return nil, err
	}

	if err := startProbers(ctx, cfg.HealthCheck, reg, log, collector); err != nil {
		return nil, err
	}

	collector.Start(ctx)

	fwd := forwarder.New(log, reg, opts, breakers)
	gatewayHandler := handler.NewGatewayHandler(log, table, fwd, collector)

	for _, e := range table.Entries() {
		log.Info("Route registered",
			slog.String("prefix", e.PathPrefix),
			slog.String("backend", e.Backend.Name()),
			slog.String("target", e.Backend.URL().String()))
	}

	return &gateway{
		registry:  reg,
		table:     table,
		forwarder: fwd,
		collector: collector,
		public:    setupRouter(log, gatewayHandler),
		admin:     setupAdminRouter(collector),
	}, nil
}

// run serves until ctx is cancelled or a listener fails. A graceful
// shutdown returns nil.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	gw, err := newGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer gw.forwarder.Close()

	public, err := httpserver.New(cfg.Server.Address(), gw.public, httpserver.Options{})
	if err != nil {
		return fmt.Errorf("public listener: %w", err)
	}
	servers := []*httpserver.Server{public}

	if cfg.Admin.Address != "" {
		admin, err := httpserver.New(cfg.Admin.Address, gw.admin, httpserver.Options{})
		if err != nil {
			return fmt.Errorf("admin listener: %w", err)
		}
		servers = append(servers, admin)
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		g.Go(func() error {
			log.Info("Listening", slog.String("addr", srv.Addr()))
			if err := srv.Start(); err != nil {
				return fmt.Errorf("listen on %s: %w", srv.Addr(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(context.Background()); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr(), err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func buildRoutes(cfg *config.Config) (*backend.Registry, *route.Table, error) {
	reg, err := backend.NewRegistry(cfg.Backends)
	if err != nil {
		return nil, nil, err
	}

	specs := make([]route.Spec, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		specs = append(specs, route.Spec{
			PathPrefix:  rc.Prefix,
			Backend:     rc.Backend,
			RewriteFrom: rc.RewriteFrom,
			RewriteTo:   rc.RewriteTo,
		})
	}

	table, err := route.NewTable(reg, specs)
	if err != nil {
		return nil, nil, err
	}

	return reg, table, nil
}

func proxyOptions(pc config.ProxyConfig) (forwarder.Options, error) {
	opts := forwarder.DefaultOptions()

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"proxy.connect_timeout", pc.ConnectTimeout, &opts.ConnectTimeout},
		{"proxy.response_header_timeout", pc.ResponseHeaderTimeout, &opts.ResponseHeaderTimeout},
		{"proxy.idle_conn_timeout", pc.IdleConnTimeout, &opts.IdleConnTimeout},
		{"proxy.keep_alive", pc.KeepAlive, &opts.KeepAlive},
	}

	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return forwarder.Options{}, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if pc.MaxIdleConnsPerHost > 0 {
		opts.MaxIdleConnsPerHost = pc.MaxIdleConnsPerHost
	}

	return opts, nil
}

// newBreakers returns nil when circuit breaking is disabled.
func newBreakers(cc config.CircuitBreakerConfig, log *slog.Logger, collector *metrics.Collector) (*circuitbreaker.Registry, error) {
	if !cc.Enabled {
		return nil, nil
	}

	resetTimeout, err := time.ParseDuration(cc.ResetTimeout)
	if err != nil {
		return nil, fmt.Errorf("circuit_breaker.reset_timeout: %w", err)
	}

	breakers := circuitbreaker.NewRegistry(cc.Threshold, resetTimeout)
	breakers.OnStateChange(func(name string, from, to circuitbreaker.State) {
		log.Warn("Circuit breaker state changed",
			slog.String("backend", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		collector.Emit(metrics.MetricEvent{Type: metrics.EventBreakerChanged, Backend: name, Reason: to.String()})
	})

	return breakers, nil
}

// backendStates reports in-flight requests, smoothed latency and, when
// probes run, the last probe result of every backend.
func backendStates(reg *backend.Registry, probed bool) func() []metrics.BackendState {
	return func() []metrics.BackendState {
		all := reg.All()
		states := make([]metrics.BackendState, 0, len(all))
		for _, b := range all {
			st := metrics.BackendState{
				Name:           b.Name(),
				ActiveRequests: b.ActiveRequests(),
				EWMAResponse:   b.EWMATime(),
			}
			if probed {
				healthy := b.IsHealthy()
				st.Healthy = &healthy
			}
			states = append(states, st)
		}
		return states
	}
}

func startProbers(ctx context.Context, hc config.HealthCheckConfig, reg *backend.Registry, log *slog.Logger, collector *metrics.Collector) error {
	if !hc.Enabled {
		return nil
	}

	interval, err := time.ParseDuration(hc.Interval)
	if err != nil {
		return fmt.Errorf("health_check.interval: %w", err)
	}
	timeout, err := time.ParseDuration(hc.Timeout)
	if err != nil {
		return fmt.Errorf("health_check.timeout: %w", err)
	}

	opts := healthcheck.Options{Interval: interval, Timeout: timeout, Path: hc.Path}
	notify := func(b *backend.Backend, healthy bool) {
		collector.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Backend: b.Name(), Healthy: healthy})
	}

	for _, b := range reg.All() {
		go healthcheck.HealthCheck(ctx, b, opts, log, notify)
	}

	return nil
}
