// Package config loads node configuration from defaults, an optional YAML
// file, an optional .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/datmedevil17/simcityMagicblock/internal/app/scheduler"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/recovery"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer/redisexec"
	"github.com/datmedevil17/simcityMagicblock/pkg/logger"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the configuration of a ledger or executor node.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Logging     logger.LoggingConfig `yaml:"logging"`
	Storage     StorageConfig        `yaml:"storage"`
	Executor    ExecutorConfig       `yaml:"executor"`
	Validators  []ValidatorConfig    `yaml:"validators"`
	Lifecycle   LifecycleConfig      `yaml:"lifecycle"`
	Sessions    SessionConfig        `yaml:"sessions"`
	ServiceAuth ServiceAuthConfig    `yaml:"service_auth"`
	RateLimit   RateLimitConfig      `yaml:"rate_limit"`
	Recovery    recovery.Config      `yaml:"recovery"`
	AutoCommit  scheduler.Config     `yaml:"auto_commit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"SERVER_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	MetricsEnabled  bool          `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
}

// StorageConfig selects the base ledger backend.
type StorageConfig struct {
	Backend         string        `yaml:"backend" env:"STORAGE_BACKEND"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	Migrate         bool          `yaml:"migrate" env:"DATABASE_MIGRATE"`
}

// ExecutorConfig configures an executor node, or the in-process executor
// of a ledger node that has no remote validators.
type ExecutorConfig struct {
	ID      string           `yaml:"id" env:"EXECUTOR_ID"`
	Backend string           `yaml:"backend" env:"EXECUTOR_BACKEND"`
	Redis   redisexec.Config `yaml:"redis"`
}

// ValidatorConfig names a remote executor node reachable over HTTP.
type ValidatorConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// LifecycleConfig bounds cross-layer calls.
type LifecycleConfig struct {
	HandoffTimeout time.Duration `yaml:"handoff_timeout" env:"LIFECYCLE_HANDOFF_TIMEOUT"`
	MaxInflight    int           `yaml:"max_inflight" env:"LIFECYCLE_MAX_INFLIGHT"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"LIFECYCLE_ACQUIRE_TIMEOUT"`
	QueueSize      int           `yaml:"queue_size" env:"LIFECYCLE_QUEUE_SIZE"`
}

// SessionConfig lists the trusted session issuers as compressed public
// key hex strings. SESSION_ISSUERS separates keys with semicolons.
type SessionConfig struct {
	Issuers []string `yaml:"issuers" env:"SESSION_ISSUERS"`
}

// ServiceAuthConfig secures the custody protocol between a ledger and its
// validators. A ledger signs service tokens with Key or a key derived from
// KeySeed; an executor accepts tokens from the Trusted keys only.
type ServiceAuthConfig struct {
	ServiceID       string        `yaml:"service_id" env:"SERVICE_ID"`
	Key             string        `yaml:"key" env:"SERVICE_KEY"`
	KeySeed         string        `yaml:"key_seed" env:"SERVICE_KEY_SEED"`
	TokenTTL        time.Duration `yaml:"token_ttl" env:"SERVICE_TOKEN_TTL"`
	Trusted         []string      `yaml:"trusted" env:"SERVICE_TRUSTED_KEYS"`
	AllowedServices []string      `yaml:"allowed_services" env:"SERVICE_ALLOWED"`
}

// serviceKeyLabel separates the service signing key from other keys
// derived from the same seed.
const serviceKeyLabel = "service"

// HasKey reports whether the node can sign service tokens.
func (s ServiceAuthConfig) HasKey() bool { return s.Key != "" || s.KeySeed != "" }

// Keypair returns the service signing key.
func (s ServiceAuthConfig) Keypair() (*chain.Keypair, error) {
	switch {
	case s.Key != "":
		return chain.KeypairFromHex(s.Key)
	case s.KeySeed != "":
		return chain.KeypairFromSeed([]byte(s.KeySeed), serviceKeyLabel)
	}
	return nil, fmt.Errorf("service_auth: no key configured")
}

// TrustedKeys parses the keys an executor accepts service tokens from.
func (s ServiceAuthConfig) TrustedKeys() ([]chain.PublicKey, error) {
	out := make([]chain.PublicKey, 0, len(s.Trusted))
	for i, raw := range s.Trusted {
		pub, err := chain.ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("service_auth: trusted[%d]: %w", i, err)
		}
		out = append(out, pub)
	}
	return out, nil
}

// RateLimitConfig configures the per-client request limiter.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// Default returns a configuration that runs a single in-memory node.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MetricsEnabled:  true,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Storage: StorageConfig{
			Backend:         BackendMemory,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			Migrate:         true,
		},
		Executor: ExecutorConfig{
			ID:      "validator-1",
			Backend: BackendMemory,
			Redis:   redisexec.Config{Addr: "localhost:6379", KeyPrefix: "statechain"},
		},
		Lifecycle: LifecycleConfig{
			HandoffTimeout: 5 * time.Second,
			MaxInflight:    64,
			AcquireTimeout: 10 * time.Second,
			QueueSize:      1024,
		},
		ServiceAuth: ServiceAuthConfig{
			ServiceID: "ledger",
			TokenTTL:  5 * time.Minute,
		},
		RateLimit:  RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
		Recovery:   recovery.DefaultConfig(),
		AutoCommit: scheduler.DefaultConfig(),
	}
}

// Load builds the configuration. path may be empty; envFile is loaded only
// when it exists.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Executor.Backend = strings.ToLower(strings.TrimSpace(c.Executor.Backend))
	c.Sessions.Issuers = trimAll(c.Sessions.Issuers)
	c.ServiceAuth.Trusted = trimAll(c.ServiceAuth.Trusted)
	c.ServiceAuth.AllowedServices = trimAll(c.ServiceAuth.AllowedServices)
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	switch c.Executor.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Executor.Redis.Addr == "" {
			return fmt.Errorf("executor: redis addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("executor: unknown backend %q", c.Executor.Backend)
	}
	if c.Executor.ID == "" {
		return fmt.Errorf("executor: id is required")
	}
	seen := map[string]bool{}
	for i, v := range c.Validators {
		if v.ID == "" || v.URL == "" {
			return fmt.Errorf("validators[%d]: id and url are required", i)
		}
		if seen[v.ID] {
			return fmt.Errorf("validators[%d]: duplicate id %q", i, v.ID)
		}
		seen[v.ID] = true
	}
	if c.ServiceAuth.Key != "" && c.ServiceAuth.KeySeed != "" {
		return fmt.Errorf("service_auth: set key or key_seed, not both")
	}
	if len(c.Validators) > 0 && !c.ServiceAuth.HasKey() {
		return fmt.Errorf("service_auth: key or key_seed is required to reach remote validators")
	}
	if c.ServiceAuth.HasKey() {
		if c.ServiceAuth.ServiceID == "" {
			return fmt.Errorf("service_auth: service_id is required")
		}
		if _, err := c.ServiceAuth.Keypair(); err != nil {
			return fmt.Errorf("service_auth: %w", err)
		}
	}
	if c.ServiceAuth.TokenTTL <= 0 {
		return fmt.Errorf("service_auth: token_ttl must be positive")
	}
	if _, err := c.ServiceAuth.TrustedKeys(); err != nil {
		return err
	}
	if c.Lifecycle.HandoffTimeout <= 0 {
		return fmt.Errorf("lifecycle: handoff_timeout must be positive")
	}
	if c.Lifecycle.MaxInflight <= 0 {
		return fmt.Errorf("lifecycle: max_inflight must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit: requests_per_second and burst must be positive")
	}
	return nil
}
