package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Audit event stream (optional; empty disables publishing)
	KafkaBrokers []string

	// Billing policy
	DefaultMarginMultiplier decimal.Decimal // default: 1.5
	AllowOverdraft          bool            // default: false
	ApplyDeltaMaxRetries    int             // default: 5

	// Reconciliation sweep
	ReconcileInterval time.Duration // default: 1h; 0 disables the sweeper

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitRPM int64 // charge requests per minute, default: 600
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		AllowOverdraft:       getEnv("ALLOW_OVERDRAFT", "false") == "true",
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	margin, err := decimal.NewFromString(getEnv("DEFAULT_MARGIN_MULTIPLIER", "1.5"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_MARGIN_MULTIPLIER: %w", err)
	}
	if margin.IsNegative() {
		return nil, fmt.Errorf("DEFAULT_MARGIN_MULTIPLIER must not be negative")
	}
	cfg.DefaultMarginMultiplier = margin

	retries, err := strconv.Atoi(getEnv("APPLY_DELTA_MAX_RETRIES", "5"))
	if err != nil || retries < 1 {
		return nil, fmt.Errorf("invalid APPLY_DELTA_MAX_RETRIES: %q", os.Getenv("APPLY_DELTA_MAX_RETRIES"))
	}
	cfg.ApplyDeltaMaxRetries = retries

	interval, err := time.ParseDuration(getEnv("RECONCILE_INTERVAL", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL: %w", err)
	}
	cfg.ReconcileInterval = interval

	rpmStr := getEnv("DEFAULT_RATE_LIMIT_RPM", "600")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
