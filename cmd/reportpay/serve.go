package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-report-checkout/internal/clock"
	httpapi "github.com/tbourn/go-report-checkout/internal/http"
	"github.com/tbourn/go-report-checkout/internal/observability"
	"github.com/tbourn/go-report-checkout/internal/sysutil"
)

const shutdownTimeout = 20 * time.Second

func newServeCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the checkout API.

Examples:
  reportpay serve
  reportpay serve --port 9090 --env-file deploy/.env`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), port)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}

func runServe(ctx context.Context, port string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observability.SetupOTel(stopCtx, cfg.OTEL, Version)
	if err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, db, clock.NewSystem())
	if err != nil {
		return err
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, a.services(), cfg)

	server := &http.Server{
		Addr:              ":" + sysutil.FirstNonEmpty(port, cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go a.runSweeper(sweepCtx, cfg.Fulfillment.SweepInterval)

	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("version", Version).
			Str("gateway", cfg.Gateway.Mode).Str("content", cfg.Content.Mode).
			Msg("reportpay listening")
		srvErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-stopCtx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server shutdown")
	}
	stopSweep()
	if err := a.fulfillment.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("fulfillment shutdown")
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("server stopped")
	return runErr
}
