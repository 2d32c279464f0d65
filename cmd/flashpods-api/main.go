// flashpods-api is the HTTP control plane for running isolated container jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"flashpods/internal/api"
	"flashpods/internal/config"
	"flashpods/internal/health"
	"flashpods/internal/job"
	"flashpods/internal/observability"
	"flashpods/internal/reconciler"
	"flashpods/internal/runtime/docker"
	"flashpods/internal/store"
	"flashpods/internal/upload"
)

func main() {
	// Absent .env files are fine; env vars win either way.
	_ = godotenv.Load()
	slog.SetDefault(config.NewLogger())

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	clusterCfg := config.LoadClusterConfig()
	uploadCfg := config.LoadUploadConfig()
	runtimeCfg := docker.LoadConfigFromEnv()
	reconcilerCfg := reconciler.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the database (bootstraps the schema on first run)
	st, err := store.Open(svcCfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	slog.Info("Database ready", "path", svcCfg.DatabasePath)

	// Connect to the container runtime
	rt, err := docker.New(runtimeCfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Connected to Docker daemon")

	// Create controllers
	uploadService := upload.NewService(st, uploadCfg, metrics)
	jobService := job.NewService(st, uploadService, rt, clusterCfg, metrics)

	// Start the reconciler sweep
	rec := reconciler.New(jobService, uploadService, rt, reconcilerCfg, metrics)
	rec.Start()

	// Create health checker
	healthChecker := health.NewChecker(st, rt)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		UploadService: uploadService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIToken:      svcCfg.APIToken,
	})

	if svcCfg.APIToken != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no FLASHPODS_API_TOKEN configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the reconciler sweep
	recCtx, recCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer recCancel()
	if err := rec.Close(recCtx); err != nil {
		slog.Warn("Reconciler shutdown error", "error", err)
	}

	// Containers keep running; the next start's sweep picks their state up
	// from the runtime and the database.
	slog.Info("Running jobs will continue independently")
	slog.Info("Shutdown complete")
	return nil
}
