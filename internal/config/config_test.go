package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inTempDir runs the test from a scratch directory so Load sees only the
// files the test writes.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("TETHER_AUTH_SECRETS", "s1")
	t.Setenv("TETHER_SECRET", "cookie")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Store.Timeout)
	assert.Equal(t, 30, cfg.RateLimit.MaxMessages)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 1000, cfg.Messaging.MaxTextLen)
	assert.Equal(t, uint16(20000), cfg.Media.RTCMinPort)
	assert.Len(t, cfg.Media.ICEServers, 5)
	assert.Equal(t, 45*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, "token", cfg.Auth.CookieName)
	assert.Equal(t, []string{"s1"}, cfg.Auth.Secrets)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	yaml := []byte(`
mode: debug
port: 9090
auth:
  secrets: [new, old]
store:
  driver: postgres
  dsn: postgres://localhost/tether
rate_limit:
  max_messages: 5
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644))
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("TETHER_PORT", "7070")
	t.Setenv("TETHER_SECRET", "cookie")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, []string{"new", "old"}, cfg.Auth.Secrets)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.RateLimit.MaxMessages)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Secret:    "cookie",
			Auth:      AuthConfig{Secrets: []string{"s"}},
			Store:     StoreConfig{Driver: "memory", Timeout: 5 * time.Second},
			RateLimit: RateLimitConfig{MaxMessages: 30, Window: time.Minute, SweepInterval: time.Minute},
			WS:        WSConfig{PingPeriod: 25 * time.Second, PongWait: time.Minute, WriteWait: 5 * time.Second},
			Messaging: MessagingConfig{MaxTextLen: 1000},
		}
	}
	c := base()
	assert.NoError(t, c.Validate())

	c = base()
	c.Store.Driver = "postgres"
	assert.Error(t, c.Validate())

	c = base()
	c.Store.Driver = "mongo"
	assert.Error(t, c.Validate())

	c = base()
	c.Auth.Secrets = nil
	assert.Error(t, c.Validate())

	c = base()
	c.Media.RTCMinPort, c.Media.RTCMaxPort = 30000, 20000
	assert.Error(t, c.Validate())

	for name, mutate := range map[string]func(*Config){
		"zero sweep interval":  func(c *Config) { c.RateLimit.SweepInterval = 0 },
		"negative ping period": func(c *Config) { c.WS.PingPeriod = -time.Second },
		"zero write wait":      func(c *Config) { c.WS.WriteWait = 0 },
		"zero store timeout":   func(c *Config) { c.Store.Timeout = 0 },
		"ping after pong wait": func(c *Config) { c.WS.PingPeriod = 2 * time.Minute },
		"zero max text length": func(c *Config) { c.Messaging.MaxTextLen = 0 },
		"no cookie secret":     func(c *Config) { c.Secret = "" },
	} {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
