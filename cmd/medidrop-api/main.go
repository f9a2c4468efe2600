// README: Entry point; loads config, wires services, starts HTTP server and background schedulers.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"medidrop/internal/config"
	httptransport "medidrop/internal/http"
	"medidrop/internal/events"
	"medidrop/internal/infra"
	"medidrop/internal/maps"
	"medidrop/internal/modules/broadcast"
	"medidrop/internal/modules/directory"
	"medidrop/internal/modules/notify"
	"medidrop/internal/modules/order"
	"medidrop/internal/realtime"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := infra.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := infra.InitTracing(ctx, infra.TracingConfig{
		ServiceName:    "medidrop-api",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Fatal("tracing init", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	if cfg.Firebase.ProjectID == "" {
		logger.Fatal("MEDIDROP_FIREBASE_PROJECT_ID is required")
	}
	fb, err := infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		logger.Fatal("firebase init", zap.Error(err))
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal("database init", zap.Error(err))
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password)
	defer func() { _ = redisClient.Close() }()

	publisher, closePublisher, err := events.New(events.ProducerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
	}, logger.Named("events"))
	if err != nil {
		logger.Fatal("kafka init", zap.Error(err))
	}
	defer closePublisher()

	reg := prometheus.DefaultRegisterer

	orderSvc := order.NewService(order.NewStore(dbPool))
	directorySvc := directory.NewService(
		directory.NewStore(dbPool),
		directory.NewGeoIndex(redisClient),
		logger.Named("directory"),
	)
	feed := realtime.NewFeed(redisClient, logger.Named("realtime"))

	broadcastSvc := broadcast.NewService(broadcast.Deps{
		Store:     broadcast.NewPGStore(dbPool),
		Orders:    orderSvc,
		Directory: directorySvc,
		Notifier:  notify.NewOutbox(dbPool),
		Feed:      feed,
		Events:    publisher,
		Logger:    logger.Named("broadcast"),
		Metrics:   broadcast.NewMetrics(reg),
	}, broadcast.PoliciesFromConfig(cfg.Broadcast), cfg.Broadcast.ResponseGrace, cfg.Escalation.BatchLimit)

	relayOpts := []notify.RelayOption{notify.WithMetrics(notify.NewMetrics(reg))}
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			logger.Fatal("maps init", zap.Error(err))
		}
		relayOpts = append(relayOpts, notify.WithEstimator(routes))
	}
	relay := notify.NewRelay(dbPool, directorySvc, fb.Messaging, notify.RelayConfig{
		PollInterval: cfg.Relay.PollInterval,
		BatchSize:    cfg.Relay.BatchSize,
		MaxRetries:   cfg.Relay.MaxRetries,
		BatchTimeout: cfg.Relay.BatchTimeout,
	}, logger.Named("notify"), relayOpts...)

	sweeper := broadcast.NewSweeper(broadcastSvc, cfg.Escalation.SweepInterval, cfg.Escalation.CronSpec, logger.Named("sweeper"))
	if err := sweeper.StartCron(ctx); err != nil {
		logger.Fatal("sweeper cron", zap.Error(err))
	}
	go sweeper.Run(ctx)
	go relay.Run(ctx)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Orders:     orderSvc,
		Broadcasts: broadcastSvc,
		Directory:  directorySvc,
		Watcher:    feed,
		Verifier:   fb.Verifier,
		Gatherer:   prometheus.DefaultGatherer,
		Logger:     logger.Named("http"),
	})

	server := httptransport.NewServer(cfg.HTTP.Addr, router, logger)
	if err := server.Run(ctx); err != nil {
		logger.Fatal("http server", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
