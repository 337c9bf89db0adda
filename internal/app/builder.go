package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/toolhive-pub-registry/internal/api"
	"github.com/stacklok/toolhive-pub-registry/internal/archive"
	"github.com/stacklok/toolhive-pub-registry/internal/auth"
	"github.com/stacklok/toolhive-pub-registry/internal/config"
	"github.com/stacklok/toolhive-pub-registry/internal/fsutil"
	"github.com/stacklok/toolhive-pub-registry/internal/index"
	"github.com/stacklok/toolhive-pub-registry/internal/registry"
	"github.com/stacklok/toolhive-pub-registry/internal/staging"
	"github.com/stacklok/toolhive-pub-registry/internal/telemetry"
)

const (
	defaultHTTPAddress       = ":8080"
	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 60 * time.Second
)

// RegistryAppOptions is a function that configures the registry app builder
type RegistryAppOptions func(*registryAppConfig) error

// registryAppConfig collects builder inputs. Overrides are mainly for tests.
type registryAppConfig struct {
	config *config.Config

	address     string
	middlewares []func(http.Handler) http.Handler

	tokenStore auth.TokenStore
	telemetry  *telemetry.Telemetry
}

func baseConfig(opts ...RegistryAppOptions) (*registryAppConfig, error) {
	cfg := &registryAppConfig{
		address: defaultHTTPAddress,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	return cfg, nil
}

// NewRegistryApp wires the stores, staging area, service and HTTP server.
func NewRegistryApp(ctx context.Context, opts ...RegistryAppOptions) (*RegistryApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	components, err := buildComponents(ctx, cfg)
	if err != nil {
		return nil, err
	}

	httpServer, err := buildHTTPServer(cfg, components)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	return &RegistryApp{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		switch host {
		case "localhost":
			host = "127.0.0.1"
		case "":
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares replaces the default HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithTokenStore overrides loading tokens from config.TokensFile
func WithTokenStore(store auth.TokenStore) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		cfg.tokenStore = store
		return nil
	}
}

// WithTelemetry enables tracing, metrics and the /metrics endpoint from t
func WithTelemetry(t *telemetry.Telemetry) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

func buildComponents(_ context.Context, b *registryAppConfig) (*AppComponents, error) {
	slog.Info("Initializing registry components")

	if b.tokenStore == nil {
		store, err := auth.LoadTokenFile(b.config.TokensFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokens: %w", err)
		}
		slog.Info("Tokens loaded", "count", len(store.Tokens()))
		b.tokenStore = store
	}

	root := b.config.GetRepositoryDir()
	if err := os.MkdirAll(root, fsutil.DirPerm); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}

	var (
		publishMetrics *telemetry.PublishMetrics
		serviceOpts    []registry.Option
	)
	if b.telemetry != nil {
		var err error
		publishMetrics, err = telemetry.NewPublishMetrics(b.telemetry.MeterProvider())
		if err != nil {
			return nil, fmt.Errorf("failed to create publish metrics: %w", err)
		}
		serviceOpts = append(serviceOpts,
			registry.WithMetrics(publishMetrics),
			registry.WithTracer(b.telemetry.TracerProvider().Tracer(registry.ServiceTracerName)),
		)
	}

	stagingStore := staging.New(
		staging.WithTTL(b.config.GetStagingTTL()),
		staging.WithMetrics(publishMetrics),
	)
	indexStore := index.NewStore(root)
	archiveStore := archive.NewStore(root)
	gate := auth.NewGate(b.tokenStore)

	svc, err := registry.New(b.config.BaseURL, indexStore, archiveStore, stagingStore, gate, serviceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry service: %w", err)
	}

	slog.Info("Registry components initialized",
		"repository_dir", root,
		"base_url", b.config.BaseURL,
		"staging_ttl", b.config.GetStagingTTL(),
	)

	return &AppComponents{
		Staging:  stagingStore,
		Index:    indexStore,
		Archives: archiveStore,
		Gate:     gate,
		Service:  svc,
	}, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(b *registryAppConfig, c *AppComponents) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	requestTimeout := b.config.GetRequestTimeout()

	middlewares := b.middlewares
	if middlewares == nil {
		middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(requestTimeout),
			api.LoggingMiddleware,
		}
	}

	serverOpts := []api.ServerOption{
		api.WithMaxArchiveBytes(b.config.GetMaxArchiveBytes()),
	}

	if b.telemetry != nil {
		metricsMiddleware, err := telemetry.MetricsMiddleware(b.telemetry.MeterProvider())
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		// Outermost, so requests rejected further in are still counted
		middlewares = append([]func(http.Handler) http.Handler{
			metricsMiddleware,
			telemetry.TracingMiddleware(b.telemetry.TracerProvider()),
		}, middlewares...)

		if h := b.telemetry.MetricsHandler(); h != nil {
			serverOpts = append(serverOpts, api.WithMetricsHandler(h))
			slog.Info("Prometheus metrics endpoint enabled", "path", "/metrics")
		}
	}

	serverOpts = append(serverOpts, api.WithMiddlewares(middlewares...))
	router := api.NewServer(c.Service, c.Gate, serverOpts...)

	server := &http.Server{
		Addr:              b.address,
		Handler:           router,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
