package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daarshnicsanjeev/omni-visual/internal/cache"
	"github.com/daarshnicsanjeev/omni-visual/internal/config"
	"github.com/daarshnicsanjeev/omni-visual/internal/httpapi"
	"github.com/daarshnicsanjeev/omni-visual/internal/imaging"
	"github.com/daarshnicsanjeev/omni-visual/internal/metrics"
	"github.com/daarshnicsanjeev/omni-visual/internal/pool"
	"github.com/daarshnicsanjeev/omni-visual/internal/retry"
	"github.com/daarshnicsanjeev/omni-visual/internal/telemetry"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream/maps"
	"github.com/daarshnicsanjeev/omni-visual/internal/vision"
)

func main() {
	if err := run(); err != nil {
		slog.Error("service exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := telemetry.ParseLevel(cfg.Telemetry.LogLevel)
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exporting := cfg.Telemetry.OTelEndpoint != ""
	tel, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Environment:    cfg.Service.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTelEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTelInsecure,
		EnableTracing:  exporting && cfg.Telemetry.EnableTracing,
		EnableMetrics:  exporting && cfg.Telemetry.EnableMetrics,
		SampleRate:     cfg.Telemetry.SampleRate,
		ProviderHost:   providerHost(cfg.Maps.BaseURL),
		PoolMaxSize:    cfg.Pool.MaxSize,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()
	if !exporting {
		logger.Info("no OTLP endpoint configured, telemetry export disabled")
	}

	meter := tel.Meter("github.com/daarshnicsanjeev/omni-visual")
	recorder := metrics.NewRecorder(metrics.WithMeter(meter), metrics.WithLogger(logger))

	connPool, err := pool.New(pool.Config{
		MaxSize:        cfg.Pool.MaxSize,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		MaxIdle:        cfg.Pool.MaxIdle,
	}, maps.Dialer(maps.Config{
		BaseURL: cfg.Maps.BaseURL,
		APIKey:  cfg.Maps.APIKey,
		Timeout: cfg.Maps.Timeout,
	}), pool.WithObserver(recorder), pool.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer connPool.Close()

	poolMetrics, err := pool.NewMetrics(meter, connPool)
	if err != nil {
		return fmt.Errorf("create pool metrics: %w", err)
	}
	defer func() { _ = poolMetrics.Close() }()

	retrier := retry.New(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, retry.WithObserver(recorder), retry.WithLogger(logger))

	svc, err := vision.New(vision.Config{
		Caches: vision.CacheConfig{
			Overhead:   cacheConfig(cfg.Cache.Overhead),
			StreetView: cacheConfig(cfg.Cache.StreetView),
			Geocode:    cacheConfig(cfg.Cache.Geocode),
		},
		PanoramaConcurrency: cfg.Panorama.Concurrency,
	}, vision.Deps{
		Sender: connPool,
		Retry:  retrier,
		Compressor: imaging.NewCompressor(imaging.Config{
			Enabled: cfg.Imaging.Enabled,
			Quality: cfg.Imaging.Quality,
			MaxSize: cfg.Imaging.MaxSize,
		}, logger),
		Observer: recorder,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create vision service: %w", err)
	}

	httpMetrics, err := httpapi.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("create http metrics: %w", err)
	}

	handler := httpapi.NewHandler(httpapi.Deps{
		Vision:   svc,
		Recorder: recorder,
		Pool:     connPool,
		Ready: func(ctx context.Context) error {
			return pool.CheckHealth(ctx, connPool)
		},
		Metrics:        httpMetrics,
		Logger:         logger,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           httpapi.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.HTTP.RequestTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting",
			"port", cfg.HTTP.Port,
			"pool_size", cfg.Pool.MaxSize,
			"max_attempts", cfg.Retry.MaxAttempts,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("http server stopped")
	}
	return nil
}

func providerHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func cacheConfig(c config.CacheEntryConfig) cache.Config {
	return cache.Config{TTL: c.TTL, MaxEntries: c.MaxEntries}
}
