// Package config loads service configuration from the environment.
// A .env file is honored when present (development convenience); real
// deployments inject variables directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every recognized option with its default applied.
type Config struct {
	// Server
	Port        string
	DatabaseURL string
	RedisAddr   string

	// ACP protocol
	ACPEnable        bool
	ACPWebhookSecret string
	ACPPSPAllowlist  []string

	// Outbound webhooks
	WebhookTimeout          time.Duration
	WebhookMaxRetries       int
	WebhookRetryBackoffSeed time.Duration
	WebhookRetryBackoffCap  time.Duration
	WebhookWorkerCount      int
	WebhookInFlightTimeout  time.Duration

	// Lifecycle workers
	ExpiryCheckInterval  time.Duration
	CleanupInterval      time.Duration
	RetryScanInterval    time.Duration
	AlertWindow          time.Duration
	RetentionGraceWindow time.Duration

	// Ingress limits
	MaxPayloadBytes int64

	// Truststore
	TruststoreSource string

	// Per-tenant overrides file (optional)
	TenantsFile string
}

// Load reads the environment (and an optional .env file) into a Config.
func Load() (*Config, error) {
	// Missing .env is not an error; env vars may come from the deployment.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    envStr("PORT", "8080"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		ACPEnable:               envBool("ACP_ENABLE", true),
		ACPWebhookSecret:        os.Getenv("ACP_WEBHOOK_SECRET"),
		ACPPSPAllowlist:         envList("ACP_PSP_ALLOWLIST"),
		WebhookTimeout:          envSeconds("WEBHOOK_TIMEOUT", 30),
		WebhookMaxRetries:       envInt("WEBHOOK_MAX_RETRIES", 5),
		WebhookRetryBackoffSeed: envSeconds("WEBHOOK_RETRY_BACKOFF_SEED", 60),
		WebhookRetryBackoffCap:  envSeconds("WEBHOOK_RETRY_BACKOFF_CAP", 3600),
		WebhookWorkerCount:      envInt("WEBHOOK_WORKER_COUNT", 8),
		WebhookInFlightTimeout:  envSeconds("WEBHOOK_INFLIGHT_TIMEOUT", 300),
		ExpiryCheckInterval:     envSeconds("EXPIRY_CHECK_INTERVAL", 3600),
		CleanupInterval:         envSeconds("CLEANUP_INTERVAL", 86400),
		RetryScanInterval:       envSeconds("RETRY_SCAN_INTERVAL", 300),
		AlertWindow:             envSeconds("ALERT_WINDOW", 7*24*3600),
		RetentionGraceWindow:    envSeconds("RETENTION_GRACE_WINDOW", 0),
		MaxPayloadBytes:         int64(envInt("MAX_PAYLOAD_BYTES", 262144)),
		TruststoreSource:        os.Getenv("TRUSTSTORE_SOURCE"),
		TenantsFile:             os.Getenv("TENANTS_FILE"),
	}

	if cfg.WebhookWorkerCount <= 0 {
		return nil, fmt.Errorf("WEBHOOK_WORKER_COUNT must be positive, got %d", cfg.WebhookWorkerCount)
	}
	if cfg.MaxPayloadBytes <= 0 {
		return nil, fmt.Errorf("MAX_PAYLOAD_BYTES must be positive, got %d", cfg.MaxPayloadBytes)
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
