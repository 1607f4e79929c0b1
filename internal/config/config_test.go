package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NAGARE_DISPATCH_SIGNING_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "nagare.db", cfg.SQLitePath)
	assert.Equal(t, "http://localhost:8080", cfg.WorkerBaseURL)
	assert.Equal(t, 3, cfg.DispatchMaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.OutboxPollInterval)
	assert.Equal(t, 50, cfg.OutboxBatchSize)
	assert.Equal(t, int64(1<<20), cfg.MaxRequestBodyBytes)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("NAGARE_DISPATCH_SIGNING_KEY", "test-key")
	t.Setenv("NAGARE_PORT", "9090")
	t.Setenv("NAGARE_OUTBOX_POLL_INTERVAL", "2s")
	t.Setenv("NAGARE_OWNER_EMAILS", "a@test.dev, b@test.dev")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, []string{"a@test.dev", "b@test.dev"}, cfg.OwnerEmails)
}

func TestLoadRequiresSigningKey(t *testing.T) {
	t.Setenv("NAGARE_DISPATCH_SIGNING_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NAGARE_DISPATCH_SIGNING_KEY")
}

func TestCollectSecrets(t *testing.T) {
	secrets := collectSecrets([]string{
		"NAGARE_SECRET_API_KEY=abc",
		"NAGARE_SECRET_LEAD_SINK_URL=https://sink.test",
		"NAGARE_PORT=8080",
		"PATH=/usr/bin",
		"MALFORMED",
	})

	assert.Equal(t, map[string]string{
		"API_KEY":       "abc",
		"LEAD_SINK_URL": "https://sink.test",
	}, secrets)
}

func TestValidate(t *testing.T) {
	valid := Config{
		DispatchSigningKey:  "k",
		WorkerBaseURL:       "http://localhost:8080",
		SQLitePath:          "nagare.db",
		MaxRequestBodyBytes: 1 << 20,
	}
	assert.NoError(t, valid.Validate())

	noStorage := valid
	noStorage.SQLitePath = ""
	assert.Error(t, noStorage.Validate())

	negRetries := valid
	negRetries.DispatchMaxRetries = -1
	assert.Error(t, negRetries.Validate())
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, Config{LogLevel: "debug"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, Config{LogLevel: "WARN"}.SlogLevel())
	assert.Equal(t, slog.LevelError, Config{LogLevel: "error"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, Config{LogLevel: "info"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, Config{LogLevel: "bogus"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, Config{}.SlogLevel())
}
