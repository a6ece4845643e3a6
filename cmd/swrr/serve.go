package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jonwraymond/swrr/backplane"
	"github.com/jonwraymond/swrr/cache"
	"github.com/jonwraymond/swrr/config"
	"github.com/jonwraymond/swrr/health"
	"github.com/jonwraymond/swrr/observe"
)

// resourceName names the cached upstream computation in keys and telemetry.
const resourceName = "upstream"

func newServeCmd() *cobra.Command {
	var (
		addr     string
		upstream string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an upstream origin through the cache",
		Long: `Proxies GET requests to the configured upstream. Responses are cached by
request URI: fresh entries are served directly, stale entries are served
while a background refresh runs, and misses wait for the origin.

Non-2xx origin responses are never cached. /healthz, /readyz and /metrics
are served alongside the proxy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("upstream") {
				cfg.Server.Upstream = upstream
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&upstream, "upstream", "", "origin base URL (overrides server.upstream)")
	return cmd
}

// app is a fully wired serve process.
type app struct {
	handler  http.Handler
	deferrer *backplane.Background
	observer observe.Observer
	logger   observe.Logger
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	up, err := newUpstream(cfg.Server.Upstream, cfg.Server.UpstreamTimeout)
	if err != nil {
		return nil, err
	}

	obs, err := observe.NewObserver(ctx, cfg.Observe)
	if err != nil {
		return nil, err
	}
	logger := obs.Logger()

	bg := backplane.NewBackground(backplane.BackgroundConfig{
		MaxConcurrent: cfg.Defer.MaxConcurrent,
		Logger:        logger,
	})

	bp, err := newBackplane(ctx, cfg.Backplane, bg)
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, err
	}

	broker, err := cache.NewBroker(bp, cache.WithObserver(obs))
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, err
	}

	opts := cfg.Cache.Options()
	opts.Type = cache.TypeArrayBuffer
	get, err := cache.Wrap1(broker, resourceName, up.fetch, opts)
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, err
	}

	agg := health.NewAggregator(health.AggregatorConfig{})
	agg.Register(health.NewBackplaneChecker(bp, health.BackplaneCheckerConfig{SlowThreshold: time.Second}))
	agg.Register(health.NewBacklogChecker(bg, health.BacklogCheckerConfig{
		Degraded:  cfg.Defer.BacklogDegraded,
		Unhealthy: cfg.Defer.BacklogUnhealthy,
	}))

	mux := http.NewServeMux()
	health.RegisterHandlers(mux, agg)
	if cfg.Observe.Metrics.Enabled && cfg.Observe.Metrics.Exporter == "prometheus" {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.Handle("/", &proxy{get: get, logger: logger})

	return &app{handler: mux, deferrer: bg, observer: obs, logger: logger}, nil
}

// newBackplane builds the configured storage layer.
func newBackplane(ctx context.Context, cfg config.BackplaneConfig, d backplane.Deferrer) (cache.Backplane, error) {
	switch cfg.Kind {
	case config.BackplaneMemory:
		return backplane.NewMemory(backplane.WithDeferrer(d)), nil
	case config.BackplaneResponse:
		return backplane.NewResponse(backplane.NewMemoryResponseStore(nil), backplane.WithDeferrer(d))
	case config.BackplaneS3:
		client, err := backplane.NewS3Client(ctx, backplane.AWSConfig{
			Profile:  cfg.S3.Profile,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return backplane.NewS3(client, backplane.S3Config{Bucket: cfg.S3.Bucket, Prefix: cfg.S3.Prefix}, backplane.WithDeferrer(d))
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidBackplaneKind, cfg.Kind)
	}
}

// serve runs the HTTP server until ctx is canceled, then drains in-flight
// requests and deferred cache writes.
func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info(ctx, "serving",
			observe.Field{Key: "addr", Value: cfg.Server.Addr},
			observe.Field{Key: "upstream", Value: cfg.Server.Upstream},
			observe.Field{Key: "backplane", Value: cfg.Backplane.Kind},
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(err, a.shutdown(context.Background(), cfg))
		}
		return a.shutdown(context.Background(), cfg)
	case <-ctx.Done():
	}

	a.logger.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	srvErr := srv.Shutdown(shutdownCtx)

	return errors.Join(srvErr, a.shutdown(context.Background(), cfg))
}

// shutdown waits for deferred work, then flushes telemetry.
func (a *app) shutdown(ctx context.Context, cfg *config.Config) error {
	drainCtx, cancel := context.WithTimeout(ctx, cfg.Defer.DrainTimeout)
	defer cancel()

	var errs []error
	if err := a.deferrer.Wait(drainCtx); err != nil {
		a.logger.Warn(ctx, "deferred work did not drain",
			observe.Field{Key: "pending", Value: a.deferrer.Pending()},
			observe.Field{Key: "error", Value: err},
		)
		errs = append(errs, fmt.Errorf("drain deferred work: %w", err))
	}
	if err := a.observer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// proxy serves GET and HEAD requests from the cached upstream computation.
type proxy struct {
	get    func(context.Context, string) ([]byte, error)
	logger observe.Logger
}

func (p *proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := p.get(r.Context(), r.URL.RequestURI())
	if err != nil {
		p.logger.Warn(r.Context(), "upstream request failed",
			observe.Field{Key: "path", Value: r.URL.Path},
			observe.Field{Key: "error", Value: err},
		)

		status := http.StatusBadGateway
		var upErr *UpstreamError
		if errors.As(err, &upErr) && upErr.StatusCode >= 400 && upErr.StatusCode < 500 {
			status = upErr.StatusCode
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(body))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(body)
	}
}
