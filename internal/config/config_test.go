package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadLayersFileAndEnvironment(t *testing.T) {
	path := writeFile(t, "node.yaml", `
server:
  addr: ":9090"
storage:
  backend: Postgres
  dsn: postgres://localhost/ledger
lifecycle:
  handoff_timeout: 2s
validators:
  - id: validator-2
    url: http://executor:8081
service_auth:
  key_seed: ledger-seed
auto_commit:
  enabled: true
  schedule: "@every 30s"
`)
	t.Setenv("LIFECYCLE_MAX_INFLIGHT", "8")
	t.Setenv("SESSION_ISSUERS", "02aa; ;03bb")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, 2*time.Second, cfg.Lifecycle.HandoffTimeout)
	assert.Equal(t, 8, cfg.Lifecycle.MaxInflight)
	assert.Equal(t, []ValidatorConfig{{ID: "validator-2", URL: "http://executor:8081"}}, cfg.Validators)
	assert.True(t, cfg.AutoCommit.Enabled)
	assert.Equal(t, "@every 30s", cfg.AutoCommit.Schedule)
	assert.Equal(t, []string{"02aa", "03bb"}, cfg.Sessions.Issuers)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout, "defaults survive partial files")
	assert.Equal(t, "ledger", cfg.ServiceAuth.ServiceID)
	assert.Equal(t, 5*time.Minute, cfg.ServiceAuth.TokenTTL)
}

func TestServiceAuthKeys(t *testing.T) {
	seeded := ServiceAuthConfig{KeySeed: "ledger-seed"}
	key, err := seeded.Keypair()
	require.NoError(t, err)
	again, err := seeded.Keypair()
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), again.PublicKey(), "seeded keys are deterministic")

	hexed, err := ServiceAuthConfig{Key: key.Hex()}.Keypair()
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), hexed.PublicKey())

	_, err = ServiceAuthConfig{}.Keypair()
	assert.Error(t, err)

	t.Setenv("SERVICE_TRUSTED_KEYS", " "+key.PublicKey().String()+" ; ")
	cfg, err := Load("", "")
	require.NoError(t, err)
	trusted, err := cfg.ServiceAuth.TrustedKeys()
	require.NoError(t, err)
	require.Len(t, trusted, 1)
	assert.Equal(t, key.PublicKey(), trusted[0])
}

func TestLoadEnvFile(t *testing.T) {
	env := writeFile(t, ".env", "EXECUTOR_ID=validator-9\nEXECUTOR_BACKEND=redis\nEXECUTOR_REDIS_ADDR=redis:6379\n")
	t.Cleanup(func() {
		os.Unsetenv("EXECUTOR_ID")
		os.Unsetenv("EXECUTOR_BACKEND")
		os.Unsetenv("EXECUTOR_REDIS_ADDR")
	})

	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, "validator-9", cfg.Executor.ID)
	assert.Equal(t, BackendRedis, cfg.Executor.Backend)
	assert.Equal(t, "redis:6379", cfg.Executor.Redis.Addr)
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)

	bad := writeFile(t, "bad.yaml", "server: [")
	_, err = Load(bad, "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"postgres without dsn":  func(c *Config) { c.Storage.Backend = BackendPostgres },
		"unknown storage":       func(c *Config) { c.Storage.Backend = "sqlite" },
		"unknown executor":      func(c *Config) { c.Executor.Backend = "etcd" },
		"empty executor id":     func(c *Config) { c.Executor.ID = "" },
		"validator without url": func(c *Config) { c.Validators = []ValidatorConfig{{ID: "v"}} },
		"duplicate validator": func(c *Config) {
			c.Validators = []ValidatorConfig{{ID: "v", URL: "http://a"}, {ID: "v", URL: "http://b"}}
		},
		"validators without service key": func(c *Config) {
			c.Validators = []ValidatorConfig{{ID: "v", URL: "http://a"}}
		},
		"both service keys": func(c *Config) {
			c.ServiceAuth.Key = "01"
			c.ServiceAuth.KeySeed = "seed"
		},
		"bad service key":          func(c *Config) { c.ServiceAuth.Key = "zz" },
		"bad trusted key":          func(c *Config) { c.ServiceAuth.Trusted = []string{"02aa"} },
		"zero service token ttl":   func(c *Config) { c.ServiceAuth.TokenTTL = 0 },
		"zero handoff timeout":     func(c *Config) { c.Lifecycle.HandoffTimeout = 0 },
		"zero inflight":            func(c *Config) { c.Lifecycle.MaxInflight = 0 },
		"rate limit without burst": func(c *Config) { c.RateLimit = RateLimitConfig{Enabled: true, RequestsPerSecond: 1} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
