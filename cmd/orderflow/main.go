// Command orderflow runs the order event pipeline: a Kafka ingestor feeding
// long-poll HTTP clients and Postgres, plus the submission API that publishes
// new orders to the broker.
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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/orderflow/internal/broker"
	"github.com/drblury/orderflow/internal/buffer"
	"github.com/drblury/orderflow/internal/config"
	"github.com/drblury/orderflow/internal/httpapi"
	"github.com/drblury/orderflow/internal/logging"
	"github.com/drblury/orderflow/internal/longpoll"
	"github.com/drblury/orderflow/internal/metrics"
	"github.com/drblury/orderflow/internal/schema"
	"github.com/drblury/orderflow/internal/storage"
	"github.com/drblury/orderflow/internal/supervisor"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", err, nil)
		os.Exit(1)
	}
	logger.Info("starting orderflow", logging.LogFields{"config": cfg.String()})

	// A datastore that cannot authenticate is fatal. The broker, by
	// contrast, is retried by the supervisor indefinitely.
	store, err := storage.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("datastore unavailable", err, nil)
		os.Exit(1)
	}
	defer store.Close()

	set := metrics.NewSet(prometheus.DefaultRegisterer)
	if cfg.MetricsEnabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsPort); err != nil {
				logger.Error("metrics server stopped", err, nil)
			}
		}()
	}

	registryClient := schema.NewRegistryClientForURL(cfg.SchemaRegistryURL)
	registrar := schema.NewRegistrar(registryClient)
	codec, err := schema.NewCodec(registryClient)
	if err != nil {
		logger.Error("invalid canonical schema", err, nil)
		os.Exit(1)
	}

	ring := buffer.New(buffer.DefaultCapacity)
	registry := longpoll.NewRegistry(logger,
		longpoll.WithTimeout(cfg.LongPollTimeout),
		longpoll.WithWaitingGauge(set.LongPollWaiting),
	)
	publisher := broker.NewPublisher(cfg.OrdersTopic, codec, logger, set)

	sup := supervisor.New(supervisor.Deps{
		Config:    cfg,
		Registrar: registrar,
		Codec:     codec,
		Publisher: publisher,
		Store:     store,
		Buffer:    ring,
		Notifier:  registry,
		Logger:    logger,
		Metrics:   set,
	})
	go func() {
		if err := sup.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("broker bootstrap stopped", err, nil)
		}
	}()

	api := httpapi.NewServer(publisher, store, registry, ring, logger, set)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Router()}
	go func() {
		logger.Info("http listening", logging.LogFields{"addr": cfg.HTTPAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", err, nil)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("orderflow stopped", nil)
}
