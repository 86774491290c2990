package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTSkew     time.Duration

	CORSAllowedOrigins []string
	CurrencyCode       string

	CatalogCacheTTL     time.Duration
	CatalogDefaultPage  int
	CatalogDefaultLimit int
	CatalogMaxLimit     int

	RulesCacheTTL time.Duration

	CartTTL        time.Duration
	IdempotencyTTL time.Duration

	DefaultRegion    string
	RegionCacheTTL   time.Duration
	GeoIPBaseURL     string
	GeoIPTimeout     time.Duration
	GeoIPMaxAttempts int

	MpesaWebhookSecret    string
	CardGateWebhookSecret string
	PaymentProvider       string
	PaymentIntentTTL      time.Duration
	PaymentCallbackBase   string
	WebhookReplayTTL      time.Duration

	WebhookRateWindow time.Duration
	WebhookRateMax    int

	MpesaShortCode  string
	CardGateBaseURL string

	QueuePrefix            string
	QueueConcurrency       int
	QueueMaxAttempts       int
	QueueDedupTTL          time.Duration
	QueueVisibilityTimeout time.Duration
	QueueHeartbeatInterval time.Duration
	QueueSoftDeadline      time.Duration
	QueueRetryBase         time.Duration
	QueueRetryJitter       float64

	WorkerPollInterval time.Duration
	WorkerBatchSize    int

	WebhookDeliveryEnabled bool
	WebhookDeliveryTimeout time.Duration
	WebhookBackoffBase     time.Duration
	WebhookBackoffJitter   float64
	WebhookMaxAttempts     int

	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	NotifyEmailEnabled bool
	NotifyEmailTopics  map[string]bool

	AuditEnabled      bool
	AuditSamplingRate float64

	SecurityHeadersEnabled bool
	MaxBodyBytes           int64

	AnalyticsCacheTTL     time.Duration
	AnalyticsDefaultRange int

	MigrationsDir string
	AutoMigrate   bool
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),

		JWTSecret:   k.String("JWT_SECRET"),
		JWTIssuer:   strings.TrimSpace(k.String("JWT_ISSUER")),
		JWTAudience: strings.TrimSpace(k.String("JWT_AUDIENCE")),
		JWTSkew:     parseDuration(k.String("JWT_CLOCK_SKEW"), "30s"),

		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		CurrencyCode:       valueOrDefault(k.String("CURRENCY_CODE"), "KES"),

		CatalogCacheTTL:     parseDuration(k.String("CATALOG_CACHE_TTL"), "60s"),
		CatalogDefaultPage:  intOrDefault(k.String("CATALOG_DEFAULT_PAGE"), 1),
		CatalogDefaultLimit: intOrDefault(k.String("CATALOG_DEFAULT_LIMIT"), 20),
		CatalogMaxLimit:     intOrDefault(k.String("CATALOG_MAX_LIMIT"), 100),

		RulesCacheTTL: parseDuration(k.String("RULES_CACHE_TTL"), "30s"),

		CartTTL:        parseDuration(k.String("CART_TTL"), "168h"),
		IdempotencyTTL: parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		DefaultRegion:    strings.TrimSpace(k.String("DEFAULT_REGION")),
		RegionCacheTTL:   parseDuration(k.String("REGION_CACHE_TTL"), "1h"),
		GeoIPBaseURL:     strings.TrimSpace(k.String("GEOIP_BASE_URL")),
		GeoIPTimeout:     parseDuration(k.String("GEOIP_TIMEOUT"), "800ms"),
		GeoIPMaxAttempts: intOrDefault(k.String("GEOIP_MAX_ATTEMPTS"), 2),

		MpesaWebhookSecret:    k.String("MPESA_WEBHOOK_SECRET"),
		CardGateWebhookSecret: k.String("CARDGATE_WEBHOOK_SECRET"),
		PaymentProvider:       valueOrDefault(k.String("PAYMENT_PROVIDER"), "mpesa"),
		PaymentIntentTTL:      parseDuration(k.String("PAYMENT_INTENT_TTL"), "30m"),
		PaymentCallbackBase:   strings.TrimSpace(k.String("PAYMENT_CALLBACK_BASE_URL")),
		WebhookReplayTTL:      parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "48h"),

		WebhookRateWindow: parseDuration(k.String("WEBHOOK_RATE_WINDOW"), "1m"),
		WebhookRateMax:    intOrDefault(k.String("WEBHOOK_RATE_MAX"), 120),

		MpesaShortCode:  strings.TrimSpace(k.String("MPESA_SHORT_CODE")),
		CardGateBaseURL: strings.TrimSpace(k.String("CARDGATE_BASE_URL")),

		QueuePrefix:            valueOrDefault(k.String("QUEUE_PREFIX"), "duka"),
		QueueConcurrency:       intOrDefault(k.String("QUEUE_CONCURRENCY"), 4),
		QueueMaxAttempts:       intOrDefault(k.String("QUEUE_MAX_ATTEMPTS"), 8),
		QueueDedupTTL:          parseDuration(k.String("QUEUE_DEDUP_TTL"), "1h"),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "60s"),
		QueueHeartbeatInterval: parseDuration(k.String("QUEUE_HEARTBEAT_INTERVAL"), "15s"),
		QueueSoftDeadline:      parseDuration(k.String("QUEUE_SOFT_DEADLINE"), "30s"),
		QueueRetryBase:         parseDuration(k.String("QUEUE_RETRY_BASE"), "2s"),
		QueueRetryJitter:       floatOrDefault(k.String("QUEUE_RETRY_JITTER"), 0.2),

		WorkerPollInterval: parseDuration(k.String("WORKER_POLL_INTERVAL"), "2s"),
		WorkerBatchSize:    intOrDefault(k.String("WORKER_BATCH_SIZE"), 50),

		WebhookDeliveryEnabled: boolOrDefault(k.String("WEBHOOK_DELIVERY_ENABLED"), true),
		WebhookDeliveryTimeout: parseDuration(k.String("WEBHOOK_DELIVERY_TIMEOUT"), "10s"),
		WebhookBackoffBase:     parseDuration(k.String("WEBHOOK_BACKOFF_BASE"), "5s"),
		WebhookBackoffJitter:   floatOrDefault(k.String("WEBHOOK_BACKOFF_JITTER"), 0.2),
		WebhookMaxAttempts:     intOrDefault(k.String("WEBHOOK_MAX_ATTEMPTS"), 8),

		LockTTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		NotifyEmailEnabled: boolOrDefault(k.String("NOTIFY_EMAIL_ENABLED"), false),
		NotifyEmailTopics:  topicToggles(k.String("NOTIFY_EMAIL_TOPICS")),

		AuditEnabled:      boolOrDefault(k.String("AUDIT_ENABLED"), true),
		AuditSamplingRate: floatOrDefault(k.String("AUDIT_SAMPLING_RATE"), 1.0),

		SecurityHeadersEnabled: boolOrDefault(k.String("SECURITY_HEADERS_ENABLED"), true),
		MaxBodyBytes:           int64(intOrDefault(k.String("MAX_BODY_BYTES"), 1<<20)),

		AnalyticsCacheTTL:     parseDuration(k.String("ANALYTICS_CACHE_TTL"), "5m"),
		AnalyticsDefaultRange: intOrDefault(k.String("ANALYTICS_DEFAULT_RANGE_DAYS"), 7),

		MigrationsDir: valueOrDefault(k.String("MIGRATIONS_DIR"), "migrations"),
		AutoMigrate:   boolOrDefault(k.String("DB_AUTO_MIGRATE"), false),
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
		return value
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

func boolOrDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	}
	return fallback
}

func floatOrDefault(value string, fallback float64) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var parsed float64
	if _, err := fmt.Sscanf(trimmed, "%g", &parsed); err != nil {
		return fallback
	}
	return parsed
}

// topicToggles parses "order.paid,payment.failed" into per-topic switches.
// An empty value returns nil, which notifiers treat as all topics enabled.
func topicToggles(value string) map[string]bool {
	topics := splitAndTrim(value)
	if len(topics) == 0 {
		return nil
	}
	toggles := make(map[string]bool, len(topics))
	for _, topic := range topics {
		toggles[strings.ToLower(topic)] = true
	}
	return toggles
}

func intOrDefault(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var parsed int
	if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
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
