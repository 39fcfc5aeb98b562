package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yoda-digital/ordinaut/internal/config"
	"github.com/yoda-digital/ordinaut/internal/events"
	"github.com/yoda-digital/ordinaut/internal/observability"
	"github.com/yoda-digital/ordinaut/internal/scheduler"
	"github.com/yoda-digital/ordinaut/internal/shared/logging"
	"github.com/yoda-digital/ordinaut/internal/store"
)

func newSchedulerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the scheduler daemon (leader-elected singleton)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduler(cmd.Context())
		},
	}
}

func runScheduler(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(config.RoleScheduler); err != nil {
		return err
	}
	logger := logging.New("Scheduler", logging.ParseLevel(cfg.LogLevel))
	logger.Info("ordinaut %s scheduler starting as %s", version, cfg.WorkerID)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.NewMetrics(logger)
	if err != nil {
		return err
	}
	defer flush(logger, "metrics", metrics.Shutdown)
	metrics.StartServer(cfg.MetricsAddr)

	tracing, err := observability.NewTracing(observability.TracingConfig{
		Exporter:       cfg.TraceExporter,
		Endpoint:       cfg.TraceEndpoint,
		SampleRate:     cfg.TraceSampleRate,
		ServiceName:    "ordinaut-scheduler",
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer flush(logger, "tracing", tracing.Shutdown)

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bus, err := events.Connect(ctx, cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	// Standbys block here until the advisory lock frees up, so running
	// several scheduler processes is safe; only one materialises work.
	lock := store.NewLeaderLock(st.Pool(), cfg.SchedulerLockName, cfg.WorkerID, 5*time.Second, logger)
	if ok, err := lock.Acquire(ctx); err != nil || !ok {
		logger.Info("stopped while standing by for leadership")
		return nil
	}
	defer flush(logger, "leader lock", lock.Release)

	sched := scheduler.New(st, logger, metrics)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if err := bus.Subscribe(ctx, sched.HandleChange); err != nil && ctx.Err() == nil {
		return runtimeFailure(fmt.Errorf("bus subscription: %w", err))
	}
	logger.Info("shutdown signal received")
	return nil
}
