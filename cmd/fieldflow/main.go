// Package main is the entry point for the fieldflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wrapforge/fieldflow/internal/capture"
	"github.com/wrapforge/fieldflow/internal/config"
	"github.com/wrapforge/fieldflow/internal/engine"
	"github.com/wrapforge/fieldflow/internal/gateway"
	"github.com/wrapforge/fieldflow/internal/observability"
	"github.com/wrapforge/fieldflow/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "fieldflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Persistence gateway to the authoritative backend.
	backend := gateway.NewClient(cfg.Backend, metrics)

	// Photo capture pipeline and timing side channel.
	uploader := capture.NewPhotoUploader(backend, logger)
	timingSink := engine.NewDiagnosticsBuffer(256)
	timing := engine.NewTimingRecorder(backend, timingSink, logger, metrics)

	// One controller per task, evicted after the idle TTL.
	manager := engine.NewManager(backend, uploader, timing, logger, metrics, cfg.Engine.ControllerIdleTTL)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go manager.RunEviction(bgCtx)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Manager:      manager,
		Metrics:      metrics,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Readiness:    observability.ReadinessChecks{Backend: backend},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      observability.TracingMiddleware(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("template", cfg.Engine.TemplateID),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	// Swallowed timing failures are advisory; log what is left for triage.
	if drained := timingSink.Drain(); len(drained) > 0 {
		logger.Warn("unreported timing diagnostics at shutdown", zap.Int("count", len(drained)))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}
