package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// PaymentGatewayConfig is the per-gateway settings block injected into each
// gateway constructor.
type PaymentGatewayConfig struct {
	PublicKey     string
	SecretKey     string
	WebhookSecret string
	Currency      string
	Enabled       bool
	BaseURL       string
}

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins []string

	DefaultCurrency string
	TaxCacheTTL     time.Duration
	PromoCacheTTL   time.Duration
	CatalogCacheTTL time.Duration
	PromoRateLimit  string

	PromoSweepSchedule string

	CheckoutRateLimitMax    int
	CheckoutRateLimitWindow time.Duration
	IdempotencyTTL          time.Duration
	LockTTL                 time.Duration
	LockRetryBackoff        time.Duration
	BodyLimitBytes          int64

	RetryMaxAttempts   int
	RetryBase          time.Duration
	RetryJitterPercent float64
	OutboundTimeout    time.Duration
	CircuitMinRequests int
	CircuitFailureRate float64
	CircuitOpenFor     time.Duration

	QueueRedisPrefix   string
	QueueMaxAttempts   int
	QueueConcurrency   int
	QueueVisibility    time.Duration
	QueueBackoffBase   time.Duration
	QueueBackoffJitter float64

	MailFrom           string
	FCMProjectID       string
	FCMCredentialsFile string

	AuditEnabled      bool
	AuditSamplingRate float64

	Gateways map[string]PaymentGatewayConfig
}

// GatewayNames lists the payment gateways read from the environment.
var GatewayNames = []string{"stripe", "razorpay", "flutterwave", "kashier"}

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
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          strings.TrimSpace(k.String("JWT_ISSUER")),
		JWTAudience:        strings.TrimSpace(k.String("JWT_AUDIENCE")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		DefaultCurrency: strings.ToUpper(valueOrDefault(k.String("DEFAULT_CURRENCY"), "USD")),
		TaxCacheTTL:     parseDuration(k.String("TAX_CACHE_TTL"), "10m"),
		PromoCacheTTL:   parseDuration(k.String("PROMO_CACHE_TTL"), "5m"),
		CatalogCacheTTL: parseDuration(k.String("CATALOG_CACHE_TTL"), "5m"),
		PromoRateLimit:  valueOrDefault(k.String("PROMO_RATE_LIMIT"), "20-M"),

		PromoSweepSchedule: valueOrDefault(k.String("PROMO_SWEEP_SCHEDULE"), "@hourly"),

		CheckoutRateLimitMax:    parseInt(k.String("CHECKOUT_RATE_LIMIT_MAX"), 10),
		CheckoutRateLimitWindow: parseDuration(k.String("CHECKOUT_RATE_LIMIT_WINDOW"), "1m"),
		IdempotencyTTL:          parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		LockTTL:                 parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff:        parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		BodyLimitBytes:          int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),

		RetryMaxAttempts:   parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryBase:          parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryJitterPercent: parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),
		OutboundTimeout:    parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
		CircuitMinRequests: parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRate: parseFloat(k.String("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:     parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		QueueRedisPrefix:   valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "lms"),
		QueueMaxAttempts:   parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 8),
		QueueConcurrency:   parseInt(k.String("QUEUE_CONCURRENCY"), 4),
		QueueVisibility:    parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
		QueueBackoffBase:   parseDuration(k.String("QUEUE_BACKOFF_BASE"), "2s"),
		QueueBackoffJitter: parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),

		MailFrom:           valueOrDefault(k.String("MAIL_FROM"), "no-reply@lms.local"),
		FCMProjectID:       strings.TrimSpace(k.String("FCM_PROJECT_ID")),
		FCMCredentialsFile: strings.TrimSpace(k.String("FCM_CREDENTIALS_FILE")),

		AuditEnabled:      k.String("AUDIT_ENABLED") == "" || parseBool(k.String("AUDIT_ENABLED")),
		AuditSamplingRate: parseFloat(k.String("AUDIT_SAMPLING_RATE"), 1),

		Gateways: make(map[string]PaymentGatewayConfig, len(GatewayNames)),
	}

	for _, name := range GatewayNames {
		cfg.Gateways[name] = loadGateway(k, name, cfg.DefaultCurrency)
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	for name, gw := range cfg.Gateways {
		if gw.Enabled && strings.TrimSpace(gw.SecretKey) == "" {
			return nil, fmt.Errorf("%s_SECRET_KEY is required when %s is enabled", strings.ToUpper(name), name)
		}
	}

	return cfg, nil
}

func loadGateway(k *koanf.Koanf, name, defaultCurrency string) PaymentGatewayConfig {
	prefix := strings.ToUpper(name) + "_"
	return PaymentGatewayConfig{
		PublicKey:     strings.TrimSpace(k.String(prefix + "PUBLIC_KEY")),
		SecretKey:     strings.TrimSpace(k.String(prefix + "SECRET_KEY")),
		WebhookSecret: strings.TrimSpace(k.String(prefix + "WEBHOOK_SECRET")),
		Currency:      strings.ToUpper(valueOrDefault(k.String(prefix+"CURRENCY"), defaultCurrency)),
		Enabled:       parseBool(k.String(prefix + "ENABLED")),
		BaseURL:       strings.TrimRight(strings.TrimSpace(k.String(prefix+"BASE_URL")), "/"),
	}
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

// IsProduction reports whether the service runs with APP_ENV=production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), "production")
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
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
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

func parseInt(value string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
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
