// Package config provides application configuration loaded from environment
// variables with defaults and validation. It covers the HTTP server, logging,
// storage backends, the payment gateway, fulfillment and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "reportpay")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StorageConfig selects the key-value and job store backends.
type StorageConfig struct {
	DBPath     string // SQLite path
	KVBackend  string // memory|sqlite
	JobBackend string // memory|sqlite
}

// GatewayConfig configures the payment processor client.
type GatewayConfig struct {
	Mode            string        // sandbox|http
	BaseURL         string        // processor API root for http mode
	Secret          string        // pre-shared secret; never logged
	Timeout         time.Duration // per-call deadline
	DefaultCurrency string
}

// PaymentConfig holds idempotency and verification bookkeeping TTLs.
type PaymentConfig struct {
	IdempotencyTTL time.Duration
	SessionTTL     time.Duration
}

// RetryConfig parameterizes the exponential backoff policy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      bool
}

// ContentConfig selects and tunes the report content producer.
type ContentConfig struct {
	Mode        string // template|http
	APIURL      string
	APIKey      string
	Concurrency int
	Periods     int
}

// FulfillmentConfig covers job retention and rendering output.
type FulfillmentConfig struct {
	Retention      time.Duration // grace after completion
	MaxAge         time.Duration // global job age limit
	SweepInterval  time.Duration
	StreamInterval time.Duration // progress stream poll period
	OutputDir      string
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	Storage     StorageConfig
	Gateway     GatewayConfig
	Payment     PaymentConfig
	Retry       RetryConfig
	Content     ContentConfig
	Fulfillment FulfillmentConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		Storage: StorageConfig{
			DBPath:     getenv("DB_PATH", "reportpay.db"),
			KVBackend:  strings.ToLower(getenv("KV_BACKEND", "sqlite")),
			JobBackend: strings.ToLower(getenv("JOB_STORE", "memory")),
		},
		Gateway: GatewayConfig{
			Mode:            strings.ToLower(getenv("GATEWAY_MODE", "sandbox")),
			BaseURL:         strings.TrimRight(getenv("GATEWAY_BASE_URL", ""), "/"),
			Secret:          getenv("GATEWAY_SECRET", ""),
			Timeout:         getdur("PAYMENT_TIMEOUT", 15*time.Second),
			DefaultCurrency: strings.ToLower(getenv("DEFAULT_CURRENCY", "usd")),
		},
		Payment: PaymentConfig{
			IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),
			SessionTTL:     getdur("VERIFICATION_SESSION_TTL", time.Hour),
		},
		Retry: RetryConfig{
			MaxAttempts: getint("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getdur("RETRY_BASE_DELAY", time.Second),
			Jitter:      getbool("RETRY_JITTER", true),
		},
		Content: ContentConfig{
			Mode:        strings.ToLower(getenv("CONTENT_MODE", "template")),
			APIURL:      getenv("CONTENT_API_URL", ""),
			APIKey:      getenv("CONTENT_API_KEY", ""),
			Concurrency: getint("CONTENT_CONCURRENCY", 4),
			Periods:     getint("REPORT_PERIODS", 3),
		},
		Fulfillment: FulfillmentConfig{
			Retention:      getdur("JOB_RETENTION", 10*time.Minute),
			MaxAge:         getdur("JOB_MAX_AGE", 30*time.Minute),
			SweepInterval:  getdur("SWEEP_INTERVAL", time.Minute),
			StreamInterval: getdur("STREAM_POLL_INTERVAL", time.Second),
			OutputDir:      getenv("OUTPUT_DIR", "reports"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "reportpay"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	return cfg, cfg.validate()
}

// validate returns every configuration problem joined into one error.
func (cfg Config) validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(oneOf(cfg.LogLevel, "debug", "info", "warn", "error", "fatal", "panic"),
		"LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	check(strings.TrimSpace(cfg.Port) != "", "PORT must not be empty")
	check(cfg.ReadTimeout > 0 && cfg.ReadHeaderTimeout > 0 && cfg.WriteTimeout > 0 && cfg.IdleTimeout > 0,
		"timeouts must be positive durations")
	check(cfg.MaxHeaderBytes > 0, "MAX_HEADER_BYTES must be > 0")

	check(cfg.Payment.IdempotencyTTL > 0, "IDEMPOTENCY_TTL must be > 0")
	check(cfg.Payment.SessionTTL > 0, "VERIFICATION_SESSION_TTL must be > 0")
	check(cfg.Retry.MaxAttempts >= 1, "RETRY_MAX_ATTEMPTS must be >= 1")
	check(cfg.Retry.BaseDelay >= 0, "RETRY_BASE_DELAY must be >= 0")

	check(cfg.RateRPS >= 0, "RATE_RPS must be >= 0")
	check(cfg.RateBurst >= 1, "RATE_BURST must be >= 1")
	check(cfg.Security.HSTSMaxAge >= 0, "HSTS_MAX_AGE must be >= 0")
	check(cfg.OTEL.SampleRatio >= 0 && cfg.OTEL.SampleRatio <= 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")

	errs = append(errs,
		cfg.Storage.validate(),
		cfg.Gateway.validate(),
		cfg.Content.validate(),
		cfg.Fulfillment.validate(),
	)
	return errors.Join(errs...)
}

func (s StorageConfig) validate() error {
	if strings.TrimSpace(s.DBPath) == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if !oneOf(s.KVBackend, "memory", "sqlite") {
		return fmt.Errorf("KV_BACKEND must be memory or sqlite, got %q", s.KVBackend)
	}
	if !oneOf(s.JobBackend, "memory", "sqlite") {
		return fmt.Errorf("JOB_STORE must be memory or sqlite, got %q", s.JobBackend)
	}
	return nil
}

// validate only checks shape. A missing secret in http mode is reported per
// call as a configuration error so the process can still serve reads.
func (g GatewayConfig) validate() error {
	if !oneOf(g.Mode, "sandbox", "http") {
		return fmt.Errorf("GATEWAY_MODE must be sandbox or http, got %q", g.Mode)
	}
	if g.Mode == "http" && g.BaseURL == "" {
		return errors.New("GATEWAY_BASE_URL is required when GATEWAY_MODE=http")
	}
	if g.Timeout <= 0 {
		return errors.New("PAYMENT_TIMEOUT must be > 0")
	}
	if len(g.DefaultCurrency) != 3 {
		return errors.New("DEFAULT_CURRENCY must be a 3-letter code")
	}
	return nil
}

func (c ContentConfig) validate() error {
	if !oneOf(c.Mode, "template", "http") {
		return fmt.Errorf("CONTENT_MODE must be template or http, got %q", c.Mode)
	}
	if c.Mode == "http" && c.APIURL == "" {
		return errors.New("CONTENT_API_URL is required when CONTENT_MODE=http")
	}
	if c.Concurrency < 1 {
		return errors.New("CONTENT_CONCURRENCY must be >= 1")
	}
	if c.Periods < 1 || c.Periods > 24 {
		return errors.New("REPORT_PERIODS must be between 1 and 24")
	}
	return nil
}

func (f FulfillmentConfig) validate() error {
	if f.Retention <= 0 || f.MaxAge <= 0 {
		return errors.New("JOB_RETENTION and JOB_MAX_AGE must be > 0")
	}
	if f.MaxAge < f.Retention {
		return errors.New("JOB_MAX_AGE must be >= JOB_RETENTION")
	}
	if f.SweepInterval <= 0 || f.StreamInterval <= 0 {
		return errors.New("SWEEP_INTERVAL and STREAM_POLL_INTERVAL must be > 0")
	}
	if strings.TrimSpace(f.OutputDir) == "" {
		return errors.New("OUTPUT_DIR must not be empty")
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
