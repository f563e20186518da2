package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/observation-service/internal/circuitbreaker"
	"github.com/kjstillabower/observation-service/internal/client"
	"github.com/kjstillabower/observation-service/internal/config"
	httphandler "github.com/kjstillabower/observation-service/internal/http"
	"github.com/kjstillabower/observation-service/internal/lifecycle"
	"github.com/kjstillabower/observation-service/internal/observability"
	"github.com/kjstillabower/observation-service/internal/scheduler"
	"github.com/kjstillabower/observation-service/internal/service"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	cwbClient, err := client.NewCWBClient(cfg.ObservationAPIURL, cfg.ObservationAPITimeout)
	if err != nil {
		logger.Fatal("observation client", zap.Error(err))
	}

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
	}
	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(from.String(), to.String(), int(to))
				logger.Warn("circuit breaker transition", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		cwbClient.SetCircuitBreaker(cb)
		healthConfig.BreakerState = func() string { return cb.State().String() }
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	reconciler := service.NewReconciler(cwbClient, service.Options{
		Location:   cfg.LocationName,
		Credential: cfg.CWBAuthorization,
		Placeholders: service.Placeholders{
			Description:     cfg.Description,
			RainPossibility: cfg.RainPossibility,
		},
		Seed: cfg.Seed,
	}, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(reconciler, healthConfig, httphandler.StreamConfig{
		PingInterval: cfg.StreamPingInterval,
		WriteTimeout: cfg.StreamWriteTimeout,
		Buffer:       cfg.StreamBuffer,
	}, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
	})

	// Initial load; the seed snapshot is served until it lands.
	reconciler.Trigger(context.Background())

	autoRefresh := scheduler.New(reconciler, cfg.AutoRefreshInterval, logger)
	if err := autoRefresh.Start(); err != nil {
		logger.Fatal("auto-refresh", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", ":"+cfg.ServerPort),
			zap.String("location", cfg.LocationName),
			zap.Duration("auto_refresh", cfg.AutoRefreshInterval))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	autoRefresh.Stop()
	handler.CloseStreams()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.InFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
