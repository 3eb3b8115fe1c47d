package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string `env:"APP_ENV" validate:"required"`
	Port               string `env:"PORT"`
	DatabaseURL        string `env:"DATABASE_URL" validate:"required"`
	RedisURL           string `env:"REDIS_URL" validate:"required"`
	CORSAllowedOrigins []string

	JWT       JWTConfig
	Provider  ProviderConfig
	Webhook   WebhookConfig
	Reconcile ReconcileConfig
	Notify    NotifyConfig
	Outbound  OutboundConfig
	Obs       ObsConfig
	Worker    WorkerConfig

	// LedgerAllowFailedRecovery lets a late approval complete a failed purchase.
	LedgerAllowFailedRecovery bool
}

// JWTConfig verifies operator bearer tokens.
type JWTConfig struct {
	Secret    string `env:"JWT_SECRET" validate:"required"`
	Issuer    string `env:"JWT_ISSUER"`
	Audience  string `env:"JWT_AUDIENCE"`
	ClockSkew time.Duration
}

// ProviderConfig points at the payment provider REST API.
type ProviderConfig struct {
	BaseURL     string `env:"PROVIDER_BASE_URL" validate:"required,url"`
	AccessToken string `env:"PROVIDER_ACCESS_TOKEN"`
}

// WebhookConfig hardens the public notification endpoint.
type WebhookConfig struct {
	Secret         string `env:"WEBHOOK_SECRET"`
	StrictMode     bool
	BodyLimitBytes int64  `env:"WEBHOOK_BODY_LIMIT_BYTES" validate:"gt=0"`
	RateLimit      string `env:"WEBHOOK_RATE_LIMIT" validate:"required"`
}

// ReconcileConfig drives the repair sweep.
type ReconcileConfig struct {
	StaleAfter time.Duration `env:"RECONCILE_STALE_AFTER" validate:"gt=0"`
	CallDelay  time.Duration `env:"RECONCILE_CALL_DELAY" validate:"gte=0"`
	Interval   time.Duration `env:"RECONCILE_INTERVAL" validate:"gt=0"`
	LockTTL    time.Duration `env:"RECONCILE_LOCK_TTL" validate:"gt=0"`
	Timeout    time.Duration `env:"RECONCILE_TIMEOUT" validate:"gte=0"`
}

// NotifyConfig describes the downstream notification service.
type NotifyConfig struct {
	URL       string        `env:"NOTIFY_URL" validate:"omitempty,url"`
	APIKey    string        `env:"NOTIFY_API_KEY"`
	Secret    string        `env:"NOTIFY_SECRET"`
	DedupTTL  time.Duration `env:"NOTIFY_DEDUP_TTL" validate:"gt=0"`
	Async     bool
	Queue     string `env:"NOTIFY_QUEUE" validate:"required"`
	MaxRetry  int    `env:"NOTIFY_MAX_RETRY" validate:"gte=0"`
	Retention time.Duration
}

// OutboundConfig tunes retries and the circuit breaker for outbound HTTP.
type OutboundConfig struct {
	Timeout             time.Duration `env:"OUTBOUND_TIMEOUT" validate:"gt=0"`
	MaxAttempts         int           `env:"OUTBOUND_MAX_ATTEMPTS" validate:"gte=1"`
	BaseBackoff         time.Duration
	CircuitEnabled      bool
	CircuitMinRequests  int     `env:"CIRCUIT_MIN_REQUESTS" validate:"gte=1"`
	CircuitFailureRatio float64 `env:"CIRCUIT_FAILURE_RATIO" validate:"gt=0,lte=1"`
	CircuitOpenFor      time.Duration
}

// ObsConfig toggles logging, metrics, tracing and profiling.
type ObsConfig struct {
	LogFormat          string `env:"OBS_LOG_FORMAT" validate:"oneof=json console"`
	LogLevel           string `env:"OBS_LOG_LEVEL"`
	MetricsNamespace   string `env:"OBS_METRICS_NAMESPACE" validate:"required"`
	MetricsBucketsMS   string
	EnablePrometheus   bool
	EnableTracing      bool
	TracingExporter    string  `env:"OBS_TRACING_EXPORTER" validate:"oneof=otlp none"`
	OTLPEndpoint       string  `env:"OBS_OTLP_ENDPOINT"`
	SamplingRatio      float64 `env:"OBS_TRACING_SAMPLING_RATIO" validate:"gte=0,lte=1"`
	EnablePprof        bool
	PprofUser          string
	PprofPass          string
	HealthDBTimeout    time.Duration
	HealthRedisTimeout time.Duration
}

// WorkerConfig sizes the background task consumer.
type WorkerConfig struct {
	Concurrency int `env:"WORKER_CONCURRENCY" validate:"gte=1"`
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		JWT: JWTConfig{
			Secret:    k.String("JWT_SECRET"),
			Issuer:    strings.TrimSpace(k.String("JWT_ISSUER")),
			Audience:  strings.TrimSpace(k.String("JWT_AUDIENCE")),
			ClockSkew: parseDuration(k.String("JWT_CLOCK_SKEW"), "30s"),
		},
		Provider: ProviderConfig{
			BaseURL:     valueOrDefault(k.String("PROVIDER_BASE_URL"), "https://api.mercadopago.com"),
			AccessToken: strings.TrimSpace(k.String("PROVIDER_ACCESS_TOKEN")),
		},
		Webhook: WebhookConfig{
			Secret:         strings.TrimSpace(k.String("WEBHOOK_SECRET")),
			StrictMode:     parseBool(k.String("STRICT_SIGNATURE_MODE"), false),
			BodyLimitBytes: int64(parseInt(k.String("WEBHOOK_BODY_LIMIT_BYTES"), 64<<10)),
			RateLimit:      valueOrDefault(k.String("WEBHOOK_RATE_LIMIT"), "300-M"),
		},
		Reconcile: ReconcileConfig{
			StaleAfter: parseDuration(k.String("RECONCILE_STALE_AFTER"), "10m"),
			CallDelay:  parseDuration(k.String("RECONCILE_CALL_DELAY"), "500ms"),
			Interval:   parseDuration(k.String("RECONCILE_INTERVAL"), "15m"),
			LockTTL:    parseDuration(k.String("RECONCILE_LOCK_TTL"), "10m"),
			Timeout:    parseDuration(k.String("RECONCILE_TIMEOUT"), "9m"),
		},
		Notify: NotifyConfig{
			URL:       strings.TrimSpace(k.String("NOTIFY_URL")),
			APIKey:    strings.TrimSpace(k.String("NOTIFY_API_KEY")),
			Secret:    strings.TrimSpace(k.String("NOTIFY_SECRET")),
			DedupTTL:  parseDuration(k.String("NOTIFY_DEDUP_TTL"), "72h"),
			Async:     parseBool(k.String("NOTIFY_ASYNC"), true),
			Queue:     valueOrDefault(k.String("NOTIFY_QUEUE"), "confirmations"),
			MaxRetry:  parseInt(k.String("NOTIFY_MAX_RETRY"), 10),
			Retention: parseDuration(k.String("NOTIFY_TASK_RETENTION"), "24h"),
		},
		Outbound: OutboundConfig{
			Timeout:             parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
			MaxAttempts:         parseInt(k.String("OUTBOUND_MAX_ATTEMPTS"), 3),
			BaseBackoff:         parseDuration(k.String("OUTBOUND_BASE_BACKOFF"), "200ms"),
			CircuitEnabled:      parseBool(k.String("CIRCUIT_ENABLED"), true),
			CircuitMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
			CircuitFailureRatio: parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
			CircuitOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),
		},
		Obs: ObsConfig{
			LogFormat:          strings.ToLower(valueOrDefault(k.String("OBS_LOG_FORMAT"), "json")),
			LogLevel:           valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsNamespace:   valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "lensa"),
			MetricsBucketsMS:   k.String("OBS_METRICS_BUCKETS_MS"),
			EnablePrometheus:   parseBool(k.String("OBS_ENABLE_PROMETHEUS"), true),
			EnableTracing:      parseBool(k.String("OBS_ENABLE_TRACING"), true),
			TracingExporter:    strings.ToLower(valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp")),
			OTLPEndpoint:       strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:      parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
			EnablePprof:        parseBool(k.String("OBS_ENABLE_PPROF"), false),
			PprofUser:          strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
			PprofPass:          strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_PASS")),
			HealthDBTimeout:    time.Duration(parseInt(k.String("HEALTH_READY_DB_TIMEOUT_MS"), 500)) * time.Millisecond,
			HealthRedisTimeout: time.Duration(parseInt(k.String("HEALTH_READY_REDIS_TIMEOUT_MS"), 300)) * time.Millisecond,
		},
		Worker: WorkerConfig{
			Concurrency: parseInt(k.String("WORKER_CONCURRENCY"), 5),
		},
		LedgerAllowFailedRecovery: parseBool(k.String("LEDGER_ALLOW_FAILED_RECOVERY"), false),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func validate(cfg *Config) error {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	err := v.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			msgs = append(msgs, fe.Field()+" is required")
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s is invalid (%s %s)", fe.Field(), fe.Tag(), fe.Param()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return parsed
	}
	return fallback
}

func parseFloat(value string, fallback float64) float64 {
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
		return parsed
	}
	return fallback
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
