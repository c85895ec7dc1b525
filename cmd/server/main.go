// Package main is the entry point for the flagz proxy.
//
// The bootstrap sequence is:
//  1. Resolve configuration from environment variables.
//  2. Build the evaluation engine, loading custom strategies if configured.
//  3. Create the upstream client, definitions poller and usage reporter.
//  4. Wire the service, key sets and HTTP handler.
//  5. Start the HTTP server and, if configured, the admin API on ADMIN_ADDR
//     and/or the tailnet.
//  6. Wait for SIGINT/SIGTERM, then flush usage metrics and shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"tailscale.com/tsnet"

	"github.com/matt-riley/flagz-proxy/internal/admin"
	"github.com/matt-riley/flagz-proxy/internal/config"
	"github.com/matt-riley/flagz-proxy/internal/core"
	"github.com/matt-riley/flagz-proxy/internal/logging"
	"github.com/matt-riley/flagz-proxy/internal/metrics"
	"github.com/matt-riley/flagz-proxy/internal/middleware"
	"github.com/matt-riley/flagz-proxy/internal/server"
	"github.com/matt-riley/flagz-proxy/internal/service"
	"github.com/matt-riley/flagz-proxy/internal/strategy"
	"github.com/matt-riley/flagz-proxy/internal/tracing"
	"github.com/matt-riley/flagz-proxy/internal/upstream"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.Options{})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	log.Debug("configuration loaded",
		"unleash_url", cfg.UnleashURL,
		"unleash_api_token", logging.Redact(cfg.UnleashAPIToken),
		"app_name", cfg.UnleashAppName,
		"instance_id", cfg.UnleashInstanceID,
		"client_keys", logging.RedactAll(cfg.ClientKeys),
		"server_side_tokens", logging.RedactAll(cfg.ServerSideTokens),
		"admin_token_hash", logging.Redact(cfg.AdminTokenHash),
		"base_path", cfg.ProxyBasePath,
		"metrics_disabled", cfg.DisableMetrics,
	)

	shutdownTracer, err := tracing.Init(context.Background(), cfg.UnleashInstanceID)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	a.start(ctx)

	var tsServer *tsnet.Server
	if cfg.AdminAddr != "" {
		lis, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			return fmt.Errorf("listen admin %s: %w", cfg.AdminAddr, err)
		}
		log.Info("admin API listening", "addr", cfg.AdminAddr)
		serveAdmin(ctx, a.admin, lis, log)
	}
	if cfg.AdminHostname != "" {
		if err := os.MkdirAll(cfg.TSStateDir, 0o700); err != nil {
			return fmt.Errorf("create ts-state dir: %w", err)
		}
		tsServer = &tsnet.Server{
			Hostname: cfg.AdminHostname,
			AuthKey:  cfg.TSAuthKey,
			Dir:      cfg.TSStateDir,
			Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
		}
		defer tsServer.Close()

		lis, err := tsServer.Listen("tcp", ":80")
		if err != nil {
			return fmt.Errorf("listen tailnet: %w", err)
		}
		log.Info("admin API listening", "hostname", cfg.AdminHostname, "transport", "tailscale")
		serveAdmin(ctx, a.admin, lis, log)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	httpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", addr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("proxy started", "http_addr", addr, "base_path", cfg.ProxyBasePath+"/proxy")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("proxy shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}
	a.wait(shutdownCtx)

	return serveErr
}

// app holds the wired proxy components.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	engine  *core.Engine
	service *service.Service
	poller  *upstream.Poller
	metrics *metrics.Metrics

	clientKeys       *middleware.KeySet
	serverSideTokens *middleware.KeySet

	handler http.Handler
	admin   *admin.Handler

	// done is closed when the reporter has finished its final flush.
	done chan struct{}
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	custom := slices.Clone(cfg.CustomStrategies)
	if cfg.CustomStrategiesFile != "" {
		loaded, err := strategy.LoadFile(cfg.CustomStrategiesFile)
		if err != nil {
			return nil, fmt.Errorf("load custom strategies: %w", err)
		}
		custom = append(custom, loaded...)
	}
	engine := core.NewEngine(custom...)

	m := metrics.New()
	client := upstream.New(upstream.Options{
		URL:                cfg.UnleashURL,
		APIToken:           cfg.UnleashAPIToken,
		AppName:            cfg.UnleashAppName,
		InstanceID:         cfg.UnleashInstanceID,
		Environment:        cfg.Environment,
		ProjectName:        cfg.ProjectName,
		NamePrefix:         cfg.NamePrefix,
		Tags:               tagStrings(cfg.Tags),
		BootstrapURL:       cfg.BootstrapURL,
		BootstrapAuth:      cfg.BootstrapAuth,
		RejectUnauthorized: cfg.RejectUnauthorized,
		Logger:             log.With("component", "upstream"),
		WrapTransport:      upstreamTransport(cfg.UpstreamTransport),
	})
	poller := upstream.NewPoller(client, engine, cfg.RefreshInterval,
		upstream.WithFetchHook(m.RecordFetch),
		upstream.WithUpdateHook(m.RecordUpdate),
	)

	a := &app{
		cfg:              cfg,
		log:              log,
		engine:           engine,
		poller:           poller,
		metrics:          m,
		clientKeys:       middleware.NewKeySet(cfg.ClientKeys),
		serverSideTokens: middleware.NewKeySet(cfg.ServerSideTokens),
		done:             make(chan struct{}),
	}

	svcOpts := []service.Option{
		service.WithEnvironment(cfg.Environment),
		service.WithLogger(log),
	}
	var sink service.MetricsSink
	if cfg.DisableMetrics {
		sink = m.Tee(nil)
		close(a.done)
	} else {
		reporter := upstream.NewReporter(client, cfg.MetricsInterval,
			upstream.WithJitter(cfg.MetricsJitter),
			upstream.WithStrategies(engine.StrategyNames),
			upstream.WithSendHook(m.RecordMetricsSend),
		)
		sink = m.Tee(reporter)
		svcOpts = append(svcOpts, service.WithReporter(doneRunner{next: reporter, done: a.done}))
	}
	a.service = service.New(engine, sink, svcOpts...)

	authOpts := []middleware.AuthOption{middleware.WithOnAuthFailure(m.IncAuthFailures)}
	if cfg.AuthRateLimit > 0 {
		authOpts = append(authOpts, middleware.WithRateLimiter(middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)))
	}

	trust, err := middleware.ParseTrustProxy(cfg.TrustProxy)
	if err != nil {
		return nil, fmt.Errorf("parse TRUST_PROXY: %w", err)
	}

	featureCount := func() int { return len(engine.FeatureNames()) }
	metrics.RegisterStateMetrics(m.Registry, metrics.State{
		Ready:            a.service.IsReady,
		Features:         featureCount,
		ClientKeys:       a.clientKeys.Len,
		ServerSideTokens: a.serverSideTokens.Len,
	})

	cors := cfg.CORS
	apiHandler := server.NewHTTPHandler(a.service, server.Options{
		BasePath:          cfg.ProxyBasePath,
		KeyHeader:         cfg.ClientKeysHeaderName,
		ClientKeys:        a.clientKeys,
		ServerSideTokens:  a.serverSideTokens,
		EnableAllEndpoint: cfg.EnableAllEndpoint,
		Enrichers:         cfg.Enrichers,
		MaxJSONBodyBytes:  cfg.MaxJSONBodySize,
		TrustPolicy:       trust,
		CORS:              &cors,
		Metrics:           m.Handler(),
		Logger:            log,
		AuthOptions:       authOpts,
		Observers:         []middleware.Observer{m.ObserveHTTP},
		OnClientMetrics:   m.IncClientMetrics,
		OnClientRegister:  m.IncClientRegistrations,
	})
	a.handler = tracing.Handler(apiHandler, "flagz-proxy-http")

	a.admin = admin.NewHandler(admin.Options{
		ClientKeys:       a.clientKeys,
		ServerSideTokens: a.serverSideTokens,
		Ready:            a.service.IsReady,
		Features:         featureCount,
		Validator:        admin.TokenValidator{Hash: cfg.AdminTokenHash},
		AuthOptions:      authOpts,
		Logger:           log.With("component", "admin"),
	})
	return a, nil
}

// start launches the background loops: bootstrap then polling, the readiness
// wait that starts the reporter, and the strategies file watcher.
func (a *app) start(ctx context.Context) {
	go func() {
		a.poller.Bootstrap(ctx)
		a.poller.Run(ctx)
	}()
	go a.service.Start(ctx, a.poller.Synced())

	if a.cfg.CustomStrategiesFile != "" {
		go func() {
			err := strategy.Watch(ctx, a.cfg.CustomStrategiesFile, a.log, func(loaded []core.Strategy) {
				a.engine.SetCustomStrategies(append(slices.Clone(a.cfg.CustomStrategies), loaded...))
			})
			if err != nil {
				a.log.Error("custom strategies watcher stopped", "error", err)
			}
		}()
	}
}

// wait blocks until the reporter has flushed or ctx is done. It returns
// immediately if the proxy never became ready.
func (a *app) wait(ctx context.Context) {
	if !a.service.IsReady() {
		return
	}
	select {
	case <-a.done:
	case <-ctx.Done():
		a.log.Warn("timed out waiting for final metrics flush")
	}
}

type doneRunner struct {
	next service.Runner
	done chan struct{}
}

func (r doneRunner) Run(ctx context.Context) {
	defer close(r.done)
	r.next.Run(ctx)
}

func serveAdmin(ctx context.Context, h http.Handler, lis net.Listener, log *slog.Logger) {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server shutdown error", "error", err)
		}
	}()
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server error", "error", err)
		}
	}()
}

// upstreamTransport layers the tracing transport over an injected decorator.
func upstreamTransport(inject func(http.RoundTripper) http.RoundTripper) func(http.RoundTripper) http.RoundTripper {
	if inject == nil {
		return tracing.Transport
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return tracing.Transport(inject(next))
	}
}

func tagStrings(tags []config.Tag) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, t.String())
	}
	return out
}
