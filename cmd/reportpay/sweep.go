package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-report-checkout/internal/clock"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired idempotency records, sessions and jobs once",
		Long: `Run one retention pass over the database-backed stores.

The server sweeps on its own every SWEEP_INTERVAL; this command is for
operators running the stores in SQLite with the server stopped or from cron.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// In-memory stores belong to a running server.
			cfg.Storage.KVBackend = "sqlite"
			cfg.Storage.JobBackend = "sqlite"

			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			a, err := newApp(cfg, db, clock.NewSystem())
			if err != nil {
				return err
			}
			keys, jobs, err := a.sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired keys and %d jobs\n", keys, jobs)
			return nil
		},
	}
}
