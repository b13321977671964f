// Package httpapi wires the HTTP transport (Gin) to the checkout services,
// middleware and route handlers. It centralizes cross-cutting concerns:
// tracing, correlation ids, redacted logging, panic recovery, metrics, CORS,
// security headers, compression, idempotency and rate limiting.
package httpapi

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-report-checkout/docs"
	"github.com/tbourn/go-report-checkout/internal/config"
	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/http/handlers"
	"github.com/tbourn/go-report-checkout/internal/http/middleware"
	"github.com/tbourn/go-report-checkout/internal/repo"
	"github.com/tbourn/go-report-checkout/internal/services"
	"github.com/tbourn/go-report-checkout/internal/sysutil"
)

// chargeRepoShim adapts the repository free functions to services.ChargeRepo.
type chargeRepoShim struct{}

func (chargeRepoShim) GetCharge(ctx context.Context, db *gorm.DB, id string) (*domain.Charge, error) {
	return repo.GetCharge(ctx, db, id)
}

func (chargeRepoShim) SaveCharge(ctx context.Context, db *gorm.DB, c *domain.Charge) error {
	return repo.SaveCharge(ctx, db, c)
}

// ChargeRepo returns the GORM-backed charge repository.
func ChargeRepo() services.ChargeRepo { return chargeRepoShim{} }

// Services are the application services the routes expose. Guard and
// Reports are optional.
type Services struct {
	Payments    *services.PaymentService
	Fulfillment *services.FulfillmentService
	Progress    *services.ProgressStream
	Guard       *services.IdempotencyGuard
	Reports     handlers.ReportStore
}

// eventsPathRE matches progress streams, which must not be buffered by gzip.
const eventsPathRE = `/jobs/[^/]+/events$`

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID
//  3. RedactingLogger
//  4. Recovery (after the logger so panics carry the request logger)
//  5. Body size limit
//  6. Metrics
//  7. Idempotency validator (before the limiter so replays bypass it)
//  8. Rate limiter
//  9. CORS and security headers
//  10. gzip, skipping the event stream
func RegisterRoutes(r *gin.Engine, db *gorm.DB, svc Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	apiBase := cfg.APIBasePath
	if apiBase == "/" {
		apiBase = ""
	}

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics(middleware.MetricsOptions{
		LongLived: []string{apiBase + "/jobs/:id/events"},
	}))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var lookup middleware.IdempotencyLookup
	if svc.Guard != nil {
		lookup = svc.Guard.Exists
	}
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, lookup))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientIP())
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPathsRegexs([]string{regexp.QuoteMeta(apiBase) + eventsPathRE}),
	))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", health(db))
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = sysutil.FirstNonEmpty(apiBase, "/")
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	set := handlers.ServiceSet{JobsPath: apiBase + "/jobs"}
	if svc.Payments != nil {
		set.Payments = svc.Payments
	}
	if svc.Fulfillment != nil {
		set.Fulfillment = svc.Fulfillment
	}
	if svc.Progress != nil {
		set.Progress = svc.Progress
	}
	set.Reports = svc.Reports
	h := handlers.New(set)

	api := groupWithPrefix(r, apiBase)
	if svc.Payments != nil {
		api.POST("/payments", h.CreatePayment)
		api.POST("/payments/verification/complete", h.CompleteVerification)
		api.GET("/payments/:id", h.GetPayment)
		api.GET("/payments/:id/verification", h.GetVerification)
		api.POST("/payments/:id/capture", h.CapturePayment)
		api.POST("/payments/:id/release", h.ReleasePayment)
	}
	if svc.Fulfillment != nil {
		api.POST("/jobs", h.StartJob)
		api.GET("/jobs/:id", h.GetJob)
	}
	if svc.Progress != nil {
		api.GET("/jobs/:id/events", h.StreamJob)
	}
	api.GET("/reports/:name", middleware.ReportHeaders(), h.GetReport)
}

// health reports liveness; with a database it also pings the pool.
func health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
				err = sqlDB.PingContext(ctx)
				cancel()
			}
			if err != nil {
				middleware.LoggerFrom(c).Warn().Err(err).Msg("health: database ping failed")
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// corsMiddleware allows every origin when none are configured; otherwise it
// echoes allow-listed origins.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
		ExposeHeaders:    []string{"X-Request-ID", middleware.HeaderIdempotencyReplayed, "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		// ACAO: * even without an Origin header, so plain health checks see it.
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps request bodies at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
