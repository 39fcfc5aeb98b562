package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yoda-digital/ordinaut/internal/shared/logging"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ordinaut",
		Short: "Durable task orchestrator",
		Long: `Ordinaut turns task schedules (cron, RRULE, one-shot, event-driven) into
durable work items in Postgres and executes their tool pipelines on a
fleet of leased workers. One binary carries every role; pick it with a
subcommand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newSchedulerCommand(),
		newWorkerCommand(),
		newMigrateCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ordinaut %s\n", version)
		},
	}
}

// flush gives a shutdown hook a bounded window of its own. The run context
// is already canceled by the time deferred cleanup runs, so hooks cannot
// borrow it.
func flush(logger logging.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("%s shutdown: %v", name, err)
	}
}
