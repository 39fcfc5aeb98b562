package main

import (
	"github.com/spf13/cobra"

	"github.com/yoda-digital/ordinaut/internal/config"
	"github.com/yoda-digital/ordinaut/internal/shared/logging"
	"github.com/yoda-digital/ordinaut/internal/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(config.RoleMigrate); err != nil {
				return err
			}
			logger := logging.New("Migrate", logging.ParseLevel(cfg.LogLevel))
			if err := store.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
