// Package commands implements the mediastore CLI commands: service entry
// points for the three daemons plus the operator utilities.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/pkg/config"
	prommetrics "github.com/ltessier/mediastore/pkg/metrics/prometheus"
)

// bootstrap loads the configuration and brings up the structured logger.
// Every service command starts here.
func bootstrap(configFile string) (*config.Config, error) {
	cfg, err := config.MustLoad(configFile)
	if err != nil {
		return nil, err
	}

	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("configuration loaded", "source", configSource(configFile))
	return cfg, nil
}

// configSource describes where the config was loaded from, for the startup
// log line.
func configSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// runService runs one service until it fails or a shutdown signal arrives.
// On SIGINT/SIGTERM the context is cancelled and the service is given the
// chance to drain before the process exits.
func runService(run func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
		if err := <-done; err != nil {
			return err
		}
		logger.Info("service stopped gracefully")
		return nil
	case err := <-done:
		return err
	}
}

// setupMetrics starts the Prometheus endpoint when metrics are enabled and
// returns the service's collector set. When disabled it returns the null
// collector and starts nothing.
func setupMetrics(ctx context.Context, cfg config.MetricsConfig) *prommetrics.Metrics {
	if !cfg.Enabled {
		logger.Info("metrics collection disabled")
		return prommetrics.NullMetrics()
	}

	reg := prometheus.NewRegistry()
	m := prommetrics.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: mux,
	}

	go func() {
		logger.Info("metrics endpoint listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", logger.Err(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return m
}
