package server

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/easiviotech/fabriq-streaming/pkg/config"
	"github.com/easiviotech/fabriq-streaming/pkg/logging"
	"github.com/easiviotech/fabriq-streaming/pkg/middleware"
	"github.com/easiviotech/fabriq-streaming/pkg/monitoring"
)

const shutdownTimeout = 30 * time.Second

// SetupServiceRouter assembles the base router: request ids, logging, panic
// recovery, CORS, HTTP metrics, and the /health and /metrics endpoints.
func SetupServiceRouter(
	logger logging.Logger,
	serviceName string,
	healthChecker *monitoring.HealthChecker,
	metricsCollector *monitoring.MetricsCollector,
) *gin.Engine {
	if config.GetEnv("GIN_MODE", "debug") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.LoggingMiddleware(logger),
		middleware.RecoveryMiddleware(logger),
		middleware.CORSMiddleware(),
		metricsCollector.MetricsMiddleware(),
	)

	router.GET("/health", healthChecker.Handler())
	router.GET("/metrics", metricsCollector.Handler())
	return router
}

// Start serves until SIGINT/SIGTERM, then drains in-flight requests and runs
// the shutdown hooks.
func Start(serviceName, port string, router *gin.Engine, logger logging.Logger, onShutdown ...func()) error {
	srv := &http.Server{
		Addr:         ":" + config.GetEnv("PORT", port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logging.Fields{
			"addr":    srv.Addr,
			"service": serviceName,
		}).Info("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.WithField("service", serviceName).Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	for _, hook := range onShutdown {
		hook()
	}

	logger.WithField("service", serviceName).Info("Server stopped")
	return nil
}
