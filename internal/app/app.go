// Package app wires the relay backend: store, ingestion, real-time fan-out, HTTP surface
// and the optional embedded MQTT broker.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"agrolink/relay/internal/config"
	"agrolink/relay/internal/events"
	"agrolink/relay/internal/fanout"
	"agrolink/relay/internal/ingest"
	"agrolink/relay/internal/metrics"
	"agrolink/relay/internal/mqttbroker"
	"agrolink/relay/internal/redisrelay"
	"agrolink/relay/internal/store"
)

// App wires together the relay services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     *store.Store
	hub       *fanout.Hub
	relay     *redisrelay.Relay
	publisher events.Publisher
	ingest    *ingest.Service
	ws        *fanout.Handler
	views     *views

	broker *mqttbroker.Broker
	mdns   *zeroconf.Server

	ready atomic.Bool
}

// New constructs a new application instance.
func New(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger}
}

// Init opens the store and builds the services without starting any listener.
func (a *App) Init(ctx context.Context) error {
	v, err := parseViews()
	if err != nil {
		return err
	}
	a.views = v

	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}
	a.store = db

	a.hub = fanout.NewHub(a.logger)
	a.publisher = a.hub
	if a.cfg.RedisURL != "" {
		relay, err := redisrelay.New(a.cfg.RedisURL, a.cfg.RedisChannel, a.hub, a.logger)
		if err != nil {
			_ = db.Close()
			return err
		}
		a.relay = relay
		a.publisher = relay
	}

	a.ingest = ingest.NewService(a.store, a.publisher, a.logger.Named("ingest"))
	a.ws = fanout.NewHandler(a.hub, fanout.NewRequests(a.store, a.publisher, a.logger, time.Local))
	return nil
}

// Handler returns the HTTP surface. Init must have been called.
func (a *App) Handler() http.Handler {
	return a.routes()
}

// Close releases the store and the Redis connection.
func (a *App) Close() error {
	var errs []error
	if a.relay != nil {
		errs = append(errs, a.relay.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.logger.Error("close resources", zap.Error(cerr))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		_ = a.hub.RunWithContext(ctx)
	}()

	if a.relay != nil {
		if err := a.relay.Ping(ctx); err != nil {
			a.logger.Warn("redis not reachable yet, events stay local until it is", zap.Error(err))
		}
		go func() {
			for {
				err := a.relay.Run(ctx)
				if ctx.Err() != nil {
					return
				}
				a.logger.Warn("redis relay stopped, retrying", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}()
	}

	var brokerErrCh <-chan error
	if a.cfg.MQTT.EmbeddedBroker {
		ch, err := a.startBroker()
		if err != nil {
			return err
		}
		brokerErrCh = ch
		defer a.stopBroker()
	}

	httpErrCh := make(chan error, 2)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if a.cfg.MetricsPort > 0 {
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("metrics server started", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	a.ready.Store(true)

	shutdown := func() error {
		a.ready.Store(false)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		// Hijacked websocket connections are not tracked by Shutdown; stopping the hub closes them.
		cancel()
		<-hubDone

		err := httpServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			err = errors.Join(err, metricsServer.Shutdown(shutdownCtx))
		}
		a.logger.Info("http server stopped")
		return err
	}

	for {
		select {
		case <-ctx.Done():
			if err := shutdown(); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			return nil
		case err := <-httpErrCh:
			_ = shutdown()
			return err
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			_ = shutdown()
			return err
		}
	}
}
