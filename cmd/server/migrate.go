package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/config"
	"koresoft/device-identity/internal/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBPoolMin, cfg.DBPoolMax)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool, logger)
			if err != nil {
				logger.Error("migration failed", zap.Error(err))
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
			}
			return nil
		},
	}
}
