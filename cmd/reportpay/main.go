// Command reportpay runs the paid report checkout: the HTTP API, schema
// migrations and the retention sweep.
//
// @title       Report Checkout API
// @version     1.0
// @description Paid report checkout: payment orchestration with idempotent retries and an asynchronous report fulfillment pipeline.
// @BasePath    /api/v1
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-report-checkout/internal/config"
	"github.com/tbourn/go-report-checkout/internal/sysutil"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var envFile string

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reportpay",
		Short:         "Paid report checkout service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSweepCmd())
	return root
}

// loadConfig reads the dotenv file (if present), loads the configuration and
// installs the global logger.
func loadConfig() (config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	sysutil.SetLogLevel(cfg.LogLevel)
	sysutil.SetupLogger(os.Stderr, cfg.LogPretty)
	log.Debug().Str("version", Version).Msg("configuration loaded")
	return cfg, nil
}
