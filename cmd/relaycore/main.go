// Package main is the entry point for the relay. It loads configuration,
// builds the per-upstream circuit breakers and WebSocket pools, assembles
// the middleware stack, starts the HTTP server, and handles graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dkrall/relaycore/internal/admin"
	"github.com/dkrall/relaycore/internal/breaker"
	"github.com/dkrall/relaycore/internal/config"
	"github.com/dkrall/relaycore/internal/health"
	"github.com/dkrall/relaycore/internal/logging"
	"github.com/dkrall/relaycore/internal/metrics"
	"github.com/dkrall/relaycore/internal/middleware"
	"github.com/dkrall/relaycore/internal/ratelimit"
	"github.com/dkrall/relaycore/internal/relay"
	"github.com/dkrall/relaycore/internal/tlsutil"
	"github.com/dkrall/relaycore/internal/ws"
)

func main() {
	configPath := flag.String("config", "configs/relaycore.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := buildLogger(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"upstreams", len(cfg.Upstreams),
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
		"admin_enabled", cfg.Admin.Enabled,
		"tls_enabled", cfg.Server.TLS.Enabled,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// One breaker per upstream (plus one per WebSocket endpoint), shared by
	// the relay handler, health checks, and the admin API.
	registry := breaker.NewRegistry(logger)
	defer registry.Close()

	relayHandler, err := relay.New(cfg, registry, logger)
	if err != nil {
		logger.Error("failed to build relay", "error", err)
		os.Exit(1)
	}

	wsManager := ws.NewManager(cfg, registry, nil, logger)
	wsManager.Start()
	defer wsManager.Stop()

	limiter := ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	// Middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → Deadline → BodyLimit → RateLimit → Relay
	var handler http.Handler = relayHandler
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Config reloader: rate limits apply immediately; breaker and upstream
	// changes take effect on restart.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
	})

	// Health, metrics, and admin bypass the middleware stack.
	mux := http.NewServeMux()
	healthHandler := health.New(cfg.Upstreams, registry, wsManager.Status, logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, registry, wsManager, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin API registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/health"),
			strings.HasPrefix(r.URL.Path, "/ready"),
			cfg.Admin.Enabled && strings.HasPrefix(r.URL.Path, "/admin/"),
			cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath:
			mux.ServeHTTP(w, r)
		default:
			handler.ServeHTTP(w, r)
		}
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		certLoader, err = tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()

		srv.TLSConfig = &tls.Config{
			GetCertificate: certLoader.GetCertificate,
			MinVersion:     tlsutil.MinVersion(cfg.Server.TLS.MinVersion),
		}
	}

	go func() {
		logger.Info("starting relay", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			// Cert/key come from TLSConfig.GetCertificate.
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("relay stopped gracefully")
}

// buildLogger constructs the process logger from config: JSON to stdout or
// stderr, or to a size-rotated file. The returned closer is nil for the
// standard streams.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: middleware.ParseLogLevel(cfg.Level)}

	switch cfg.Output {
	case "stdout":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil, nil
	case "stderr":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil, nil
	default:
		w, err := logging.NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		return slog.New(slog.NewJSONHandler(w, opts)), w, nil
	}
}
