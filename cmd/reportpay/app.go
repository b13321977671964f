package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-report-checkout/internal/clock"
	"github.com/tbourn/go-report-checkout/internal/config"
	"github.com/tbourn/go-report-checkout/internal/content"
	"github.com/tbourn/go-report-checkout/internal/gateway"
	httpapi "github.com/tbourn/go-report-checkout/internal/http"
	"github.com/tbourn/go-report-checkout/internal/jobs"
	"github.com/tbourn/go-report-checkout/internal/kv"
	"github.com/tbourn/go-report-checkout/internal/render"
	"github.com/tbourn/go-report-checkout/internal/repo"
	"github.com/tbourn/go-report-checkout/internal/retry"
	"github.com/tbourn/go-report-checkout/internal/services"
)

// app holds the wired services of one process.
type app struct {
	cfg         config.Config
	db          *gorm.DB
	keys        kv.Store
	jobs        jobs.Store
	guard       *services.IdempotencyGuard
	payments    *services.PaymentService
	fulfillment *services.FulfillmentService
	progress    *services.ProgressStream
	reports     *render.FileRenderer
}

// openDB opens the database and brings the schema up to date.
func openDB(cfg config.Config) (*gorm.DB, error) {
	db, err := repo.OpenSQLite(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Storage.DBPath, err)
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			return nil, fmt.Errorf("gorm tracing: %w", err)
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func newApp(cfg config.Config, db *gorm.DB, clk clock.Clock) (*app, error) {
	a := &app{cfg: cfg, db: db}

	switch cfg.Storage.KVBackend {
	case "memory":
		a.keys = kv.NewMemory(clk)
	default:
		a.keys = repo.NewKVStore(db, clk)
	}
	retention := jobs.Retention{Grace: cfg.Fulfillment.Retention, MaxAge: cfg.Fulfillment.MaxAge}
	switch cfg.Storage.JobBackend {
	case "sqlite":
		a.jobs = repo.NewJobStore(db, clk, retention)
	default:
		a.jobs = jobs.NewMemory(clk, retention)
	}

	var gw gateway.Gateway
	switch cfg.Gateway.Mode {
	case "http":
		// The service bounds each call; the client timeout is a backstop.
		gw = gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.Secret, &http.Client{Timeout: 2 * cfg.Gateway.Timeout})
	default:
		gw = gateway.NewSandbox()
	}

	var producer content.Producer
	switch cfg.Content.Mode {
	case "http":
		producer = content.NewHTTPProducer(cfg.Content.APIURL, cfg.Content.APIKey, &http.Client{Timeout: 60 * time.Second})
	default:
		producer = content.NewTemplateProducer(language.English)
	}

	reports, err := render.NewFileRenderer(cfg.Fulfillment.OutputDir, cfg.APIBasePath+"/reports")
	if err != nil {
		return nil, err
	}
	a.reports = reports

	a.guard = services.NewIdempotencyGuard(a.keys, cfg.Payment.IdempotencyTTL, clk)

	pay := services.NewPaymentService(db, httpapi.ChargeRepo(), gw, a.guard, a.keys)
	pay.Timeout = cfg.Gateway.Timeout
	pay.SessionTTL = cfg.Payment.SessionTTL
	pay.DefaultCurrency = cfg.Gateway.DefaultCurrency
	pay.Clock = clk
	a.payments = pay

	ful := services.NewFulfillmentService(a.jobs, a.keys, producer, reports)
	ful.Retry = retry.New("content", cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.Jitter).
		WithRetryable(content.Retryable).
		WithLogger(log.With().Str("component", "fulfillment").Logger())
	ful.Planner = content.NewPlanner(cfg.Content.Periods)
	ful.Concurrency = cfg.Content.Concurrency
	ful.KeyTTL = cfg.Payment.IdempotencyTTL
	ful.Clock = clk
	ful.Settler = pay
	a.fulfillment = ful

	a.progress = services.NewProgressStream(a.jobs, cfg.Fulfillment.StreamInterval)
	return a, nil
}

func (a *app) services() httpapi.Services {
	return httpapi.Services{
		Payments:    a.payments,
		Fulfillment: a.fulfillment,
		Progress:    a.progress,
		Guard:       a.guard,
		Reports:     a.reports,
	}
}

// sweep purges expired keys and jobs once and returns the counts.
func (a *app) sweep(ctx context.Context) (keys, jobsRemoved int64, err error) {
	if s, ok := a.keys.(kv.Sweeper); ok {
		if keys, err = s.Sweep(ctx); err != nil {
			return 0, 0, fmt.Errorf("sweep keys: %w", err)
		}
	}
	if jobsRemoved, err = a.jobs.Sweep(ctx); err != nil {
		return keys, 0, fmt.Errorf("sweep jobs: %w", err)
	}
	return keys, jobsRemoved, nil
}

// runSweeper sweeps every interval until ctx is done.
func (a *app) runSweeper(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			keys, removed, err := a.sweep(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("retention sweep failed")
				continue
			}
			if keys > 0 || removed > 0 {
				log.Info().Int64("keys", keys).Int64("jobs", removed).Msg("retention sweep")
			}
		}
	}
}
