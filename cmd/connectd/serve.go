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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/quillcms/connect"
	"github.com/quillcms/connect/ability"
	"github.com/quillcms/connect/host"
	"github.com/quillcms/connect/instrumentation"
	"github.com/quillcms/connect/security"
	"github.com/quillcms/connect/storage"
	"github.com/quillcms/connect/storage/memory"
	"github.com/quillcms/connect/storage/postgres"
)

const shutdownTimeout = 10 * time.Second

// serve wires the full daemon and blocks until shutdown
func serve(ctx context.Context, cfg *Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	directory := buildDirectory(cfg)
	if len(cfg.Host.ConsentAllowlist) > 0 {
		if err := store.SetConsentAllowlist(ctx, cfg.Host.ConsentAllowlist); err != nil {
			return fmt.Errorf("seed consent allow-list: %w", err)
		}
	}

	refreshTTL, err := cfg.RefreshTokenTTLDuration()
	if err != nil {
		return fmt.Errorf("parse refresh_token_ttl: %w", err)
	}

	serverCfg := connect.Config{
		Issuer: cfg.Server.Issuer,
		Logger: logger,
	}
	serverCfg.RateLimit.Proxy = security.ProxyTrust{
		Enabled: cfg.Server.TrustProxy,
		Hops:    cfg.Server.TrustedProxyCount,
	}
	serverCfg.Security.RefreshTokenTTL = refreshTTL
	serverCfg.Security.MaxClientsPerIP = cfg.Security.MaxClientsPerIP
	serverCfg.Security.DisableConsentAllowlist = cfg.Security.DisableConsentAllowlist
	serverCfg.Security.EnableAuditLogging = cfg.Security.AuditLogging

	srv, err := connect.NewServer(serverCfg, store, directory)
	if err != nil {
		return err
	}
	srv.SetAuditor(security.NewAuditor(logger, cfg.Security.AuditLogging))

	if cfg.Rate.Enabled {
		limiter := security.NewRateLimiter(cfg.Rate.Rate, cfg.Rate.Burst, logger)
		defer limiter.Stop()
		srv.SetRateLimiter(limiter)
	}

	registry, err := ability.NewRegistry(builtinAbilities()...)
	if err != nil {
		return fmt.Errorf("build ability registry: %w", err)
	}
	srv.SetDispatcher(ability.NewDispatcher(registry, store, directory, logger))

	inst, shutdownInst, err := setupInstrumentation(cfg)
	if err != nil {
		return err
	}
	defer shutdownInst()
	srv.SetInstrumentation(inst)

	handler := connect.NewHandler(srv, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/authorize", handler.HandleAuthorize)
	r.Post("/authorize", handler.HandleAuthorize)
	r.Post("/token", handler.HandleToken)
	r.Post("/revoke", handler.HandleRevoke)
	r.Post("/register", handler.HandleRegister)
	r.Get("/.well-known/oauth-authorization-server", handler.HandleMetadata)
	r.Get("/.well-known/oauth-authorization-server/connect", handler.HandleMetadata)

	r.Group(func(r chi.Router) {
		r.Use(handler.RequireToken)
		r.Get("/abilities", handler.HandleAbilityList)
		r.Post("/abilities/run", handler.HandleAbilityRun)
	})

	r.Get("/healthz", healthHandler(store))
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening",
			"addr", cfg.Server.Addr,
			"issuer", cfg.Server.Issuer,
			"storage", cfg.Storage.Driver)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newLogger builds the process logger from the logging config
func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// openStore builds the configured store and returns it with its closer
func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (storage.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		lifetime, err := cfg.ConnMaxLifetimeDuration()
		if err != nil {
			return nil, nil, fmt.Errorf("parse conn_max_lifetime: %w", err)
		}
		store, err := postgres.New(ctx, cfg.Storage.DSN, postgres.Config{
			MaxConns:        cfg.Storage.Postgres.MaxConns,
			MinConns:        cfg.Storage.Postgres.MinConns,
			MaxConnLifetime: lifetime,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return store, store.Close, nil
	case "memory", "":
		store := memory.New()
		store.SetLogger(logger)
		return store, store.Stop, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// buildDirectory seeds the development host directory from config
func buildDirectory(cfg *Config) *host.Directory {
	dir := host.NewDirectory()
	for _, u := range cfg.Host.Users {
		dir.AddUser(&host.User{ID: u.ID, Name: u.Name, Email: u.Email})
	}
	for _, s := range cfg.Host.Sessions {
		dir.AddSession(s.Cookie, s.UserID)
	}
	for _, c := range cfg.Host.Capabilities {
		dir.Grant(c.UserID, c.Action, c.Target)
	}
	return dir
}

// setupInstrumentation wires a Prometheus-backed OTel meter provider when
// metrics are enabled; otherwise everything no-ops.
func setupInstrumentation(cfg *Config) (*instrumentation.Instrumentation, func(), error) {
	instCfg := instrumentation.Config{
		ServiceName:    "connectd",
		ServiceVersion: version,
		Enabled:        cfg.Metrics.Enabled,
		LogClientIPs:   true,
	}

	var meterProvider *sdkmetric.MeterProvider
	if cfg.Metrics.Enabled {
		exporter, err := otelprom.New()
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		instCfg.MeterProvider = meterProvider
	}

	inst, err := instrumentation.New(instCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create instrumentation: %w", err)
	}

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if meterProvider != nil {
			_ = meterProvider.Shutdown(ctx)
		}
		_ = inst.Shutdown(ctx)
	}
	return inst, shutdown, nil
}

// healthHandler reports liveness, pinging the store when it supports it
func healthHandler(store storage.Store) http.HandlerFunc {
	type pinger interface {
		Ping(context.Context) error
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if p, ok := store.(pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
