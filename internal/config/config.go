// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// secretPrefix marks environment variables that become step secrets.
// NAGARE_SECRET_CRM_TOKEN=x is exposed to steps as secrets["CRM_TOKEN"].
const secretPrefix = "NAGARE_SECRET_"

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings. DatabaseURL selects Postgres; when empty the
	// server falls back to a local SQLite file at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// Dispatch settings. WorkerBaseURL is the externally reachable base
	// URL of this deployment; step messages are posted back to it at
	// /workers/execute-step.
	WorkerBaseURL      string
	DispatchSigningKey string
	DispatchMaxRetries int
	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64

	// OwnerEmails seeds the accounts table at startup so registered
	// workflow owners resolve on the trigger path.
	OwnerEmails []string

	// Secrets is the process-wide secret map handed to every step
	// context. Built once here; steps never read the environment.
	Secrets map[string]string
}

// Load reads configuration from environment variables with defaults
// suitable for local development.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("NAGARE_PORT", 8080),
		ReadTimeout:         envDuration("NAGARE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("NAGARE_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		SQLitePath:          envStr("NAGARE_SQLITE_PATH", "nagare.db"),
		WorkerBaseURL:       envStr("NAGARE_WORKER_BASE_URL", "http://localhost:8080"),
		DispatchSigningKey:  envStr("NAGARE_DISPATCH_SIGNING_KEY", ""),
		DispatchMaxRetries:  envInt("NAGARE_DISPATCH_MAX_RETRIES", 3),
		OutboxPollInterval:  envDuration("NAGARE_OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		OutboxBatchSize:     envInt("NAGARE_OUTBOX_BATCH_SIZE", 50),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "nagare"),
		LogLevel:            envStr("NAGARE_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("NAGARE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		OwnerEmails:         envList("NAGARE_OWNER_EMAILS"),
		Secrets:             collectSecrets(os.Environ()),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DispatchSigningKey == "" {
		return fmt.Errorf("config: NAGARE_DISPATCH_SIGNING_KEY is required")
	}
	if c.WorkerBaseURL == "" {
		return fmt.Errorf("config: NAGARE_WORKER_BASE_URL is required")
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: one of DATABASE_URL or NAGARE_SQLITE_PATH is required")
	}
	if c.DispatchMaxRetries < 0 {
		return fmt.Errorf("config: NAGARE_DISPATCH_MAX_RETRIES must not be negative")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: NAGARE_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level. Unknown values fall back to
// Info rather than failing startup.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// collectSecrets extracts NAGARE_SECRET_* variables from an environment
// listing, keyed by the name with the prefix stripped.
func collectSecrets(environ []string) map[string]string {
	secrets := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, secretPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, secretPrefix)
		if name != "" {
			secrets[name] = value
		}
	}
	return secrets
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
