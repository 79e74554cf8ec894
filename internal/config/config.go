// Package config loads the service configuration from an optional YAML file
// and the environment, and fills runtime defaults for anything left unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure reported by Load.
var ErrInvalid = errors.New("invalid configuration")

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// ServerConfig holds the HTTP and WebSocket settings.
type ServerConfig struct {
	Port              string          `yaml:"port"`
	AllowedOrigins    []string        `yaml:"allowed_origins"`
	MaxMessageSize    int64           `yaml:"max_message_size"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	KeepaliveInterval time.Duration   `yaml:"keepalive_interval"`
	ShutdownTimeout   time.Duration   `yaml:"shutdown_timeout"`
}

type RegistryConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	StaleAfter     time.Duration `yaml:"stale_after"`
}

type PresenceConfig struct {
	OfflineTimeout    time.Duration `yaml:"offline_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ReconcileSchedule string        `yaml:"reconcile_schedule"`
}

type BatcherConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	VoiceFlushInterval time.Duration `yaml:"voice_flush_interval"`
}

type QueueConfig struct {
	Workers      int           `yaml:"workers"`
	Capacity     int           `yaml:"capacity"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Window      time.Duration `yaml:"window"`
	CoolDown    time.Duration `yaml:"cool_down"`
}

type HealthConfig struct {
	Interval            time.Duration `yaml:"interval"`
	MemoryHighWatermark float64       `yaml:"memory_high_watermark"`
}

// StoreConfig selects the persistence backend: memory, sqlite or postgres.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RelayConfig selects the cross-node relay: none, redis or nats.
type RelayConfig struct {
	Kind          string `yaml:"kind"`
	Topic         string `yaml:"topic"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPassword string `yaml:"redis_password"`
	NATSURL       string `yaml:"nats_url"`
}

// AuthConfig configures JWT verification. An empty secret disables it.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	Presence PresenceConfig `yaml:"presence"`
	Batcher  BatcherConfig  `yaml:"batcher"`
	Queue    QueueConfig    `yaml:"queue"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Health   HealthConfig   `yaml:"health"`
	Store    StoreConfig    `yaml:"store"`
	Relay    RelayConfig    `yaml:"relay"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           ":8080",
			AllowedOrigins: []string{"http://localhost:8080"},
			MaxMessageSize: 64 * 1024,
			RateLimit: RateLimitConfig{
				Burst:          5,
				RefillInterval: time.Second,
			},
			KeepaliveInterval: 30 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Registry: RegistryConfig{
			MaxConnections: 1000,
			StaleAfter:     5 * time.Minute,
		},
		Presence: PresenceConfig{
			OfflineTimeout:    time.Minute,
			SweepInterval:     30 * time.Second,
			ReconcileSchedule: "@every 30s",
		},
		Batcher: BatcherConfig{
			BatchSize:          50,
			FlushInterval:      100 * time.Millisecond,
			VoiceFlushInterval: 50 * time.Millisecond,
		},
		Queue: QueueConfig{
			Workers:      4,
			Capacity:     4096,
			WriteTimeout: 10 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxFailures: 10,
			Window:      60 * time.Second,
			CoolDown:    120 * time.Second,
		},
		Health: HealthConfig{
			Interval:            10 * time.Second,
			MemoryHighWatermark: 80,
		},
		Store: StoreConfig{Driver: StoreMemory},
		Relay: RelayConfig{Kind: "none"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and sanitizes the result. ${VAR} references in the file are
// expanded before parsing.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg)
	cfg = Sanitize(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from environment variables. Unset or unparsable
// values leave the current setting alone.
func ApplyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.Server.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.Server.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.Server.RateLimit.Burst = parseIntValue(burst, cfg.Server.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.Server.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.Server.RateLimit.RefillInterval)
	}
	if n := os.Getenv("MAX_CONNECTIONS"); n != "" {
		cfg.Registry.MaxConnections = parseIntValue(n, cfg.Registry.MaxConnections)
	}
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn := os.Getenv("STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if kind := os.Getenv("RELAY_KIND"); kind != "" {
		cfg.Relay.Kind = kind
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Relay.RedisAddr = addr
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.Relay.NATSURL = url
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
}

// Sanitize replaces zero or negative values with defaults and normalizes
// enumerations to lower case.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Server.Port == "" {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.MaxMessageSize <= 0 {
		cfg.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if cfg.Server.RateLimit.Burst <= 0 {
		cfg.Server.RateLimit.Burst = def.Server.RateLimit.Burst
	}
	if cfg.Server.RateLimit.RefillInterval <= 0 {
		cfg.Server.RateLimit.RefillInterval = def.Server.RateLimit.RefillInterval
	}
	if cfg.Server.KeepaliveInterval <= 0 {
		cfg.Server.KeepaliveInterval = def.Server.KeepaliveInterval
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.Server.AllowedOrigins = origins

	positiveInt(&cfg.Registry.MaxConnections, def.Registry.MaxConnections)
	positiveDur(&cfg.Registry.StaleAfter, def.Registry.StaleAfter)

	positiveDur(&cfg.Presence.OfflineTimeout, def.Presence.OfflineTimeout)
	positiveDur(&cfg.Presence.SweepInterval, def.Presence.SweepInterval)

	positiveInt(&cfg.Batcher.BatchSize, def.Batcher.BatchSize)
	positiveDur(&cfg.Batcher.FlushInterval, def.Batcher.FlushInterval)
	positiveDur(&cfg.Batcher.VoiceFlushInterval, def.Batcher.VoiceFlushInterval)

	positiveInt(&cfg.Queue.Workers, def.Queue.Workers)
	positiveInt(&cfg.Queue.Capacity, def.Queue.Capacity)
	positiveDur(&cfg.Queue.WriteTimeout, def.Queue.WriteTimeout)

	positiveInt(&cfg.Breaker.MaxFailures, def.Breaker.MaxFailures)
	positiveDur(&cfg.Breaker.Window, def.Breaker.Window)
	positiveDur(&cfg.Breaker.CoolDown, def.Breaker.CoolDown)

	positiveDur(&cfg.Health.Interval, def.Health.Interval)
	if cfg.Health.MemoryHighWatermark <= 0 || cfg.Health.MemoryHighWatermark > 100 {
		cfg.Health.MemoryHighWatermark = def.Health.MemoryHighWatermark
	}

	cfg.Store.Driver = lowerOr(cfg.Store.Driver, def.Store.Driver)
	cfg.Relay.Kind = lowerOr(cfg.Relay.Kind, def.Relay.Kind)
	cfg.Logging.Level = lowerOr(cfg.Logging.Level, def.Logging.Level)
	cfg.Logging.Format = lowerOr(cfg.Logging.Format, def.Logging.Format)
	return cfg
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for driver %q", ErrInvalid, c.Store.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}
	switch c.Relay.Kind {
	case "none":
	case "redis":
		if c.Relay.RedisAddr == "" {
			return fmt.Errorf("%w: relay.redis_addr is required", ErrInvalid)
		}
	case "nats":
		if c.Relay.NATSURL == "" {
			return fmt.Errorf("%w: relay.nats_url is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown relay kind %q", ErrInvalid, c.Relay.Kind)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Logging.Format)
	}
	return nil
}

func positiveInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func positiveDur(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

func lowerOr(v, def string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return def
	}
	return v
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts whole seconds ("2") or a Go duration ("500ms").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
