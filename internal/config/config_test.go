package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gochat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 1000, cfg.Registry.MaxConnections)
	assert.Equal(t, time.Minute, cfg.Presence.OfflineTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Batcher.FlushInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Batcher.VoiceFlushInterval)
	assert.Equal(t, 10, cfg.Breaker.MaxFailures)
	assert.Equal(t, 120*time.Second, cfg.Breaker.CoolDown)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "none", cfg.Relay.Kind)
}

func TestLoadFileExpandsEnvironment(t *testing.T) {
	t.Setenv("GOCHAT_TEST_DSN", "file:chat.db")
	path := writeFile(t, `
server:
  port: ":9090"
  allowed_origins: ["https://chat.example.com", " "]
  rate_limit:
    burst: 20
    refill_interval: 250ms
registry:
  max_connections: 50
batcher:
  flush_interval: 20ms
store:
  driver: SQLite
  dsn: ${GOCHAT_TEST_DSN}
logging:
  level: DEBUG
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 20, cfg.Server.RateLimit.Burst)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.RateLimit.RefillInterval)
	assert.Equal(t, 50, cfg.Registry.MaxConnections)
	assert.Equal(t, 20*time.Millisecond, cfg.Batcher.FlushInterval)
	assert.Equal(t, 50, cfg.Batcher.BatchSize, "unset keys keep defaults")
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "file:chat.db", cfg.Store.DSN)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  port: \":9090\"\n")
	t.Setenv("SERVER_PORT", ":7000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "9")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3")
	t.Setenv("MAX_CONNECTIONS", "77")
	t.Setenv("RELAY_KIND", "nats")
	t.Setenv("NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.Server.MaxMessageSize)
	assert.Equal(t, 9, cfg.Server.RateLimit.Burst)
	assert.Equal(t, 3*time.Second, cfg.Server.RateLimit.RefillInterval)
	assert.Equal(t, 77, cfg.Registry.MaxConnections)
	assert.Equal(t, "nats", cfg.Relay.Kind)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestInvalidEnvironmentValuesAreIgnored(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "-5")
	t.Setenv("RATE_LIMIT_BURST", "lots")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.Server.MaxMessageSize, cfg.Server.MaxMessageSize)
	assert.Equal(t, def.Server.RateLimit.Burst, cfg.Server.RateLimit.Burst)
	assert.Equal(t, def.Server.RateLimit.RefillInterval, cfg.Server.RateLimit.RefillInterval)
}

func TestSanitizeFillsZeroValues(t *testing.T) {
	cfg := Sanitize(Config{})
	def := Default()

	assert.Equal(t, def.Server.Port, cfg.Server.Port)
	assert.Equal(t, def.Queue.Workers, cfg.Queue.Workers)
	assert.Equal(t, def.Breaker.Window, cfg.Breaker.Window)
	assert.Equal(t, def.Health.MemoryHighWatermark, cfg.Health.MemoryHighWatermark)
	assert.Empty(t, cfg.Server.AllowedOrigins)
	assert.Empty(t, cfg.Presence.ReconcileSchedule, "an empty schedule disables reconcile")
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"sqlite without dsn", func(c *Config) { c.Store.Driver = "sqlite" }},
		{"redis without addr", func(c *Config) { c.Relay.Kind = "redis" }},
		{"nats without url", func(c *Config) { c.Relay.Kind = "nats" }},
		{"unknown relay", func(c *Config) { c.Relay.Kind = "carrier" }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoadReportsMissingAndBrokenFiles(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "server: [unterminated"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "store:\n  driver: postgres\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}
