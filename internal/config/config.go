// Package config loads process configuration from the environment, an
// optional .env file and the application types YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the configuration shared by the server, worker and migrate
// commands.
type Config struct {
	AppEnv      string
	DatabaseURL string
	ServerPort  string

	LogLevel string
	LogDev   bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EventsChannel string

	Authority Authority

	ApplicationTypesFile string
	MigrateOnStart       bool
	IdempotencyEnabled   bool
	IdempotencyTTL       time.Duration
	CORSOrigins          []string

	// AuditCompressionThreshold is the payload size above which audit
	// entries and Authority responses are zstd-compressed.
	AuditCompressionThreshold int

	Worker Worker
	OTel   OTel
}

// Authority configures the outbound licence feed and callback checks.
type Authority struct {
	Enabled     bool
	BaseURL     string
	LicencePath string
	KeyID       string
	Secret      string
	Timeout     time.Duration
	// PublicURL is the scheme and host the Authority signs callbacks for.
	PublicURL string
}

// Worker configures background jobs.
type Worker struct {
	OutboxInterval     time.Duration
	OutboxBatchSize    int
	OutboxRetention    time.Duration
	ReconcileInterval  time.Duration
	ReconcileOlderThan time.Duration
	ReconcileBatchSize int
	CleanupInterval    time.Duration
}

// OTel configures tracing.
type OTel struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	Headers     string
	SampleRatio float64
}

// Load reads .env (if present) and the environment. DATABASE_URL is
// required.
func Load() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		ServerPort:  getEnv("SERVER_PORT", "8080"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogDev:   getEnvBool("LOG_DEV", false),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		EventsChannel: getEnv("EVENTS_CHANNEL", "issuance.events"),

		Authority: Authority{
			Enabled:     getEnvBool("AUTHORITY_ENABLED", false),
			BaseURL:     getEnv("AUTHORITY_BASE_URL", ""),
			LicencePath: getEnv("AUTHORITY_LICENCE_PATH", "/licence"),
			KeyID:       getEnv("AUTHORITY_KEY_ID", ""),
			Secret:      getEnv("AUTHORITY_SECRET", ""),
			Timeout:     getEnvDuration("AUTHORITY_TIMEOUT", 30*time.Second),
			PublicURL:   getEnv("AUTHORITY_CALLBACK_PUBLIC_URL", ""),
		},

		ApplicationTypesFile:      getEnv("APPLICATION_TYPES_FILE", ""),
		MigrateOnStart:            getEnvBool("MIGRATE_ON_START", false),
		IdempotencyEnabled:        getEnvBool("IDEMPOTENCY_ENABLED", true),
		IdempotencyTTL:            getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		CORSOrigins:               getEnvList("CORS_ORIGINS"),
		AuditCompressionThreshold: getEnvInt("AUDIT_COMPRESSION_THRESHOLD", 10*1024),

		Worker: Worker{
			OutboxInterval:     getEnvDuration("OUTBOX_INTERVAL", 2*time.Second),
			OutboxBatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 100),
			OutboxRetention:    getEnvDuration("OUTBOX_RETENTION", 7*24*time.Hour),
			ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", time.Minute),
			ReconcileOlderThan: getEnvDuration("RECONCILE_OLDER_THAN", 10*time.Minute),
			ReconcileBatchSize: getEnvInt("RECONCILE_BATCH_SIZE", 50),
			CleanupInterval:    getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		},

		OTel: OTel{
			Enabled:     getEnvBool("OTEL_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			Headers:     getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			SampleRatio: getEnvFloat("OTEL_SAMPLER_RATIO", 0.1),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Authority.Enabled {
		if cfg.Authority.BaseURL == "" || cfg.Authority.KeyID == "" || cfg.Authority.Secret == "" {
			return nil, fmt.Errorf("AUTHORITY_BASE_URL, AUTHORITY_KEY_ID and AUTHORITY_SECRET are required when AUTHORITY_ENABLED is set")
		}
	}
	return cfg, nil
}

// IsDevelopment reports whether the process runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
