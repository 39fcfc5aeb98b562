package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yoda-digital/ordinaut/internal/config"
	"github.com/yoda-digital/ordinaut/internal/httpclient"
	"github.com/yoda-digital/ordinaut/internal/observability"
	"github.com/yoda-digital/ordinaut/internal/pipeline"
	"github.com/yoda-digital/ordinaut/internal/shared/logging"
	"github.com/yoda-digital/ordinaut/internal/store"
	"github.com/yoda-digital/ordinaut/internal/tools"
	"github.com/yoda-digital/ordinaut/internal/worker"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process (any number may run concurrently)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(config.RoleWorker); err != nil {
		return err
	}
	logger := logging.New("Worker", logging.ParseLevel(cfg.LogLevel))
	logger.Info("ordinaut %s worker starting as %s", version, cfg.WorkerID)

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
		ServiceName:    "ordinaut-worker",
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

	registry := tools.NewRegistry()
	specs, err := tools.LoadCatalog(cfg.ToolCatalog)
	if err != nil {
		return err
	}
	registry.SetCatalog(specs)
	if len(specs) > 0 {
		logger.Info("tool catalog %s: %d tools", cfg.ToolCatalog, len(specs))
	}

	client := httpclient.NewWithBreakers(0, httpclient.DefaultBreakerConfig(), logger)
	invoker := tools.NewInvoker(client, logger)
	exec := pipeline.NewExecutor(registry, invoker, logger, metrics, tracing.Tracer())

	w := worker.New(st, exec, worker.Options{
		ID:          cfg.WorkerID,
		Lease:       cfg.LeaseDuration(),
		Poll:        cfg.PollInterval(),
		Concurrency: cfg.WorkerConcurrency,
	}, logger, metrics)

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return runtimeFailure(err)
	}
	logger.Info("shutdown signal received")
	return nil
}
