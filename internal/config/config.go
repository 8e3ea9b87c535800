// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, the database path, retention limits, streaming backoff, REST
// throttling and observability. Accounts live in a separate YAML file (see
// LoadAccounts).
package config

import (
	"errors"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "fedi-timeline-sync")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RetentionConfig bounds how much the local store keeps.
type RetentionConfig struct {
	TTL              time.Duration // RETENTION_TTL, by stored_at
	Interval         time.Duration // RETENTION_INTERVAL between sweeps
	MaxHome          int           // MAX_HOME
	MaxLocal         int           // MAX_LOCAL
	MaxPublic        int           // MAX_PUBLIC
	MaxTag           int           // MAX_TAG
	MaxNotifications int           // MAX_NOTIFICATIONS
}

// StreamConfig tunes streaming reconnects.
type StreamConfig struct {
	BaseDelay     time.Duration // STREAM_BASE_DELAY
	MaxDelay      time.Duration // STREAM_MAX_DELAY
	MaxAttempts   int           // STREAM_MAX_ATTEMPTS before giving up
	WarnThreshold int           // STREAM_WARN_THRESHOLD (soft)
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s; SSE streams are exempt
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DBPath          string // SQLite path
	AccountsFile    string // YAML account list; empty means no accounts
	ProjectionLimit int    // max items per projection
	PageSize        int    // REST page size

	Retention RetentionConfig
	Stream    StreamConfig

	// Outbound REST throttling, per backend
	FetchRPS   float64
	FetchBurst int

	// Inbound rate limiting
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
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:          getenv("DB_PATH", "fedisync.db"),
		AccountsFile:    getenv("ACCOUNTS_FILE", "accounts.yaml"),
		ProjectionLimit: getint("PROJECTION_LIMIT", 200),
		PageSize:        getint("PAGE_SIZE", 40),

		Retention: RetentionConfig{
			TTL:              getdur("RETENTION_TTL", 7*24*time.Hour),
			Interval:         getdur("RETENTION_INTERVAL", time.Hour),
			MaxHome:          getint("MAX_HOME", 10000),
			MaxLocal:         getint("MAX_LOCAL", 10000),
			MaxPublic:        getint("MAX_PUBLIC", 10000),
			MaxTag:           getint("MAX_TAG", 10000),
			MaxNotifications: getint("MAX_NOTIFICATIONS", 10000),
		},
		Stream: StreamConfig{
			BaseDelay:     getdur("STREAM_BASE_DELAY", time.Second),
			MaxDelay:      getdur("STREAM_MAX_DELAY", time.Minute),
			MaxAttempts:   getint("STREAM_MAX_ATTEMPTS", 10),
			WarnThreshold: getint("STREAM_WARN_THRESHOLD", 24),
		},

		FetchRPS:   getfloat("FETCH_RPS", 1.0),
		FetchBurst: getint("FETCH_BURST", 5),

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
			ServiceName: getenv("OTEL_SERVICE_NAME", "fedi-timeline-sync"),
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

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.ProjectionLimit < 1 {
		return cfg, errors.New("PROJECTION_LIMIT must be >= 1")
	}
	if cfg.PageSize < 1 || cfg.PageSize > 40 {
		return cfg, errors.New("PAGE_SIZE must be between 1 and 40")
	}
	if cfg.Retention.TTL <= 0 || cfg.Retention.Interval <= 0 {
		return cfg, errors.New("RETENTION_TTL and RETENTION_INTERVAL must be positive durations")
	}
	r := cfg.Retention
	if r.MaxHome < 1 || r.MaxLocal < 1 || r.MaxPublic < 1 || r.MaxTag < 1 || r.MaxNotifications < 1 {
		return cfg, errors.New("MAX_HOME, MAX_LOCAL, MAX_PUBLIC, MAX_TAG and MAX_NOTIFICATIONS must be >= 1")
	}
	if cfg.Stream.BaseDelay <= 0 || cfg.Stream.MaxDelay < cfg.Stream.BaseDelay {
		return cfg, errors.New("STREAM_BASE_DELAY must be > 0 and <= STREAM_MAX_DELAY")
	}
	if cfg.Stream.MaxAttempts < 1 {
		return cfg, errors.New("STREAM_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Stream.WarnThreshold < 1 {
		return cfg, errors.New("STREAM_WARN_THRESHOLD must be >= 1")
	}
	if cfg.FetchRPS < 0 {
		return cfg, errors.New("FETCH_RPS must be >= 0")
	}
	if cfg.FetchBurst < 1 {
		return cfg, errors.New("FETCH_BURST must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

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
