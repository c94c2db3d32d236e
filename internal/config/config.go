// Package config handles loading and validating gateway configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file values.
const EnvPrefix = "EVALGATE_"

// Config is the top-level configuration for the evalgate gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Log       LogConfig                 `koanf:"log"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Storage   StorageConfig             `koanf:"storage"`
	Redis     RedisConfig               `koanf:"redis"`
	// Pricing is seeded into storage at startup. It is a list because
	// model ids contain the key delimiter.
	Pricing []PricingConfig `koanf:"pricing"`
	Billing BillingConfig   `koanf:"billing"`
	Gateway GatewayConfig   `koanf:"gateway"`
}

// ServerConfig holds HTTP server settings. WriteTimeout bounds a whole
// response, streams included; 0 disables it.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ProviderConfig holds the settings for a single LLM provider. The map key
// in Config.Providers is the provider id requests use.
type ProviderConfig struct {
	APIKey  string        `koanf:"api_key"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
	// Models is the accepted model catalog; the first entry is the default.
	Models []string `koanf:"models"`
}

// StorageConfig selects the database backend.
type StorageConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// RedisConfig enables the shared in-flight guard when Addr is set.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	LockTTL  time.Duration `koanf:"lock_ttl"`
}

// PricingConfig is the USD price per million tokens of one model.
type PricingConfig struct {
	Model            string  `koanf:"model"`
	InputPerMillion  float64 `koanf:"input_per_million"`
	OutputPerMillion float64 `koanf:"output_per_million"`
}

type BillingConfig struct {
	Enabled bool `koanf:"enabled"`
	// Costs maps a command to its credit cost. Unlisted commands cost 1.
	Costs map[string]int64 `koanf:"costs"`
}

type GatewayConfig struct {
	MaxTokens int `koanf:"max_tokens"`
	// BackgroundTimeout bounds each detached usage-log write.
	BackgroundTimeout time.Duration `koanf:"background_timeout"`
}

// Default returns the configuration used for every value the file and
// environment leave unset.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "evalgate.db",
		},
		Redis:   RedisConfig{LockTTL: 5 * time.Minute},
		Billing: BillingConfig{Enabled: true},
		Gateway: GatewayConfig{
			MaxTokens:         4096,
			BackgroundTimeout: 30 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// EVALGATE_SERVER_PORT -> server.port
	// EVALGATE_PROVIDERS_GEMINI_API_KEY -> providers.gemini.api_key
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	for name, p := range cfg.Providers {
		p.APIKey = expand(p.APIKey)
		cfg.Providers[name] = p
	}
	cfg.Storage.DSN = expand(cfg.Storage.DSN)
	cfg.Redis.Password = expand(cfg.Redis.Password)

	return &cfg, nil
}

// envKey maps an environment variable to a koanf key. Only the underscore
// after the section name (and after the provider id) is a separator; the
// rest belong to the field name.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	switch section {
	case "providers":
		id, field, ok := strings.Cut(rest, "_")
		if !ok {
			return section + "." + id
		}
		return section + "." + id + "." + field
	case "billing":
		if c, ok := strings.CutPrefix(rest, "costs_"); ok {
			return "billing.costs." + c
		}
	}
	return section + "." + rest
}

// expand resolves a whole-value ${VAR} placeholder.
func expand(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// Models returns the model catalog per provider id.
func (c *Config) Models() map[string][]string {
	out := make(map[string][]string, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = p.Models
	}
	return out
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be sqlite or postgres", c.Storage.Driver))
	}
	if c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required"))
	}
	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("at least one provider must be configured"))
	}
	for name, p := range c.Providers {
		if p.APIKey == "" {
			errs = append(errs, fmt.Errorf("providers.%s.api_key is empty", name))
		}
		if p.Timeout < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.timeout must not be negative", name))
		}
	}
	for i, p := range c.Pricing {
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("pricing[%d].model is required", i))
		}
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			errs = append(errs, fmt.Errorf("pricing %s must not be negative", p.Model))
		}
	}
	for cmd, cost := range c.Billing.Costs {
		if cost < 0 {
			errs = append(errs, fmt.Errorf("billing.costs.%s must not be negative", cmd))
		}
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		errs = append(errs, errors.New("redis.lock_ttl must be positive"))
	}
	return errors.Join(errs...)
}
