package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"agrolink/relay/internal/bridge"
	"agrolink/relay/internal/config"
	"agrolink/relay/internal/logging"
	"agrolink/relay/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "relay-bridge")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	forwarder := bridge.NewHTTPForwarder(bridge.ForwarderConfig{
		URL:              cfg.Bridge.BackendURL,
		Timeout:          cfg.Bridge.RequestTimeout,
		BreakerFailures:  cfg.Bridge.BreakerFailures,
		BreakerOpenDelay: cfg.Bridge.BreakerOpenDelay,
	}, logger)

	b := bridge.New(bridge.Options{
		Broker:      cfg.MQTT.Broker,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
	}, bridge.NewMemoryCache(), forwarder, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server started", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	logger.Info("bridge starting",
		zap.String("broker", cfg.MQTT.Broker),
		zap.String("topic", b.Topic()),
		zap.String("backend", cfg.Bridge.BackendURL),
	)
	runErr := b.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	if runErr != nil {
		logger.Error("bridge terminated", zap.Error(runErr))
		os.Exit(1)
	}
	logger.Info("bridge stopped cleanly")
}
