package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

log:
  level: debug
  format: text

providers:
  gemini:
    api_key: ${TEST_API_KEY}
    base_url: https://example.com/v1beta
    timeout: 45s
    models:
      - gemini-2.5-flash
      - gemini-2.5-pro

storage:
  driver: postgres
  dsn: ${TEST_DSN}

pricing:
  - model: gemini-2.5-flash
    input_per_million: 0.3
    output_per_million: 2.5

billing:
  costs:
    generate_quiz: 3
`)
	t.Setenv("TEST_API_KEY", "my-secret-key")
	t.Setenv("TEST_DSN", "postgres://u:p@db/evalgate")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout, "unset values keep their default")
	assert.Equal(t, LogConfig{Level: "debug", Format: "text"}, cfg.Log)

	gemini, ok := cfg.Providers["gemini"]
	require.True(t, ok, "gemini provider should exist")
	assert.Equal(t, "my-secret-key", gemini.APIKey)
	assert.Equal(t, "https://example.com/v1beta", gemini.BaseURL)
	assert.Equal(t, 45*time.Second, gemini.Timeout)
	assert.Equal(t, []string{"gemini-2.5-flash", "gemini-2.5-pro"}, gemini.Models)

	assert.Equal(t, StorageConfig{Driver: "postgres", DSN: "postgres://u:p@db/evalgate"}, cfg.Storage)
	assert.Equal(t, []PricingConfig{{Model: "gemini-2.5-flash", InputPerMillion: 0.3, OutputPerMillion: 2.5}}, cfg.Pricing)
	assert.Equal(t, int64(3), cfg.Billing.Costs["generate_quiz"])
	assert.True(t, cfg.Billing.Enabled)

	assert.Equal(t, map[string][]string{"gemini": {"gemini-2.5-flash", "gemini-2.5-pro"}}, cfg.Models())
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
providers:
  openai:
    api_key: from-file
`)
	t.Setenv("EVALGATE_SERVER_PORT", "3000")
	t.Setenv("EVALGATE_SERVER_READ_TIMEOUT", "5s")
	t.Setenv("EVALGATE_PROVIDERS_OPENAI_API_KEY", "from-env")
	t.Setenv("EVALGATE_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "from-env", cfg.Providers["openai"].APIKey)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"EVALGATE_SERVER_PORT", "server.port"},
		{"EVALGATE_SERVER_SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"EVALGATE_PROVIDERS_GEMINI_BASE_URL", "providers.gemini.base_url"},
		{"EVALGATE_BILLING_COSTS_EVALUATE_NOTE", "billing.costs.evaluate_note"},
		{"EVALGATE_BILLING_ENABLED", "billing.enabled"},
		{"EVALGATE_GATEWAY_MAX_TOKENS", "gateway.max_tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			assert.Equal(t, tt.want, envKey(tt.env))
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.Providers = map[string]ProviderConfig{"gemini": {APIKey: "k"}}
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"no dsn", func(c *Config) { c.Storage.DSN = "" }, "storage.dsn"},
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider"},
		{"empty key", func(c *Config) { c.Providers["gemini"] = ProviderConfig{} }, "providers.gemini.api_key"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"negative cost", func(c *Config) { c.Billing.Costs = map[string]int64{"evaluate_note": -1} }, "billing.costs"},
		{"negative price", func(c *Config) { c.Pricing = []PricingConfig{{Model: "m", InputPerMillion: -1}} }, "pricing m"},
		{"unnamed price", func(c *Config) { c.Pricing = []PricingConfig{{InputPerMillion: 1}} }, "pricing[0].model"},
		{"redis ttl", func(c *Config) { c.Redis.Addr = "r:6379"; c.Redis.LockTTL = 0 }, "redis.lock_ttl"},
	}

	c := valid()
	require.NoError(t, c.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}
