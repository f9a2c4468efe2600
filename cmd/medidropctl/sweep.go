package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"medidrop/internal/config"
	"medidrop/internal/events"
	"medidrop/internal/infra"
	"medidrop/internal/modules/broadcast"
	"medidrop/internal/modules/directory"
	"medidrop/internal/modules/notify"
	"medidrop/internal/modules/order"
	"medidrop/internal/realtime"
)

func newSweepCmd() *cobra.Command {
	var textfile string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Advance every due broadcast once and exit",
		Long: "Runs one escalation sweep against the database. Safe to run next to " +
			"live API processes; broadcasts another caller already moved are skipped.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), cmd, textfile)
		},
	}
	cmd.Flags().StringVar(&textfile, "metrics-textfile", "", "write sweep metrics to this file for the node_exporter textfile collector")
	return cmd
}

func runSweep(ctx context.Context, cmd *cobra.Command, textfile string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := infra.InitTracing(ctx, infra.TracingConfig{
		ServiceName:    "medidropctl",
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	redisClient := infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password)
	defer func() { _ = redisClient.Close() }()

	publisher, closePublisher, err := events.New(events.ProducerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
	}, logger.Named("events"))
	if err != nil {
		return fmt.Errorf("kafka init: %w", err)
	}
	defer closePublisher()

	// nothing scrapes a one-shot process
	reg := prometheus.NewRegistry()

	svc := broadcast.NewService(broadcast.Deps{
		Store:  broadcast.NewPGStore(dbPool),
		Orders: order.NewService(order.NewStore(dbPool)),
		Directory: directory.NewService(
			directory.NewStore(dbPool),
			directory.NewGeoIndex(redisClient),
			logger,
		),
		Notifier: notify.NewOutbox(dbPool),
		Feed:     realtime.NewFeed(redisClient, logger),
		Events:   publisher,
		Logger:   logger,
		Metrics:  broadcast.NewMetrics(reg),
	}, broadcast.PoliciesFromConfig(cfg.Broadcast), cfg.Broadcast.ResponseGrace, cfg.Escalation.BatchLimit)

	res, err := svc.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "advanced=%d skipped=%d failed=%d\n", res.Advanced, res.Skipped, res.Failed)
	if textfile != "" {
		if err := prometheus.WriteToTextfile(textfile, reg); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}
