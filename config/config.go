/*
Package config loads the billing server configuration.

SOURCES (later wins):
  1. Struct defaults (Defaults)
  2. Optional YAML file (-config flag, or BILLING_CONFIG_FILE)
  3. .env file in the working directory, if present
  4. Environment variables prefixed with BILLING_

ENVIRONMENT NAMING:
  Nested keys are joined with a double underscore:
    BILLING_SERVER__PORT=9000          -> server.port
    BILLING_BILLING__UNIT_RATE=6.5     -> billing.unit_rate
    BILLING_DATABASE__DRIVER=postgres  -> database.driver

EXAMPLE YAML:
  server:
    port: 8080
  database:
    driver: sqlite
    path: ./billing.db
  billing:
    unit_rate: "5"
    due_after_days: 14
    disconnect_after_days: 5
  scheduler:
    enabled: true
    interval: 1h
*/
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
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/waterco/billing-engine/billing"
)

const envPrefix = "BILLING_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Billing   BillingConfig   `koanf:"billing"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	// RateLimit is requests per minute per client IP. 0 disables limiting.
	RateLimit int `koanf:"rate_limit"`
	// Demo enables the /api/scenarios routes.
	Demo bool `koanf:"demo"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite | postgres
	Path   string `koanf:"path"`
	URL    string `koanf:"url"`
}

type BillingConfig struct {
	UnitRate            string `koanf:"unit_rate"`
	Penalty             string `koanf:"penalty"`
	DueAfterDays        int    `koanf:"due_after_days"`
	DisconnectAfterDays int    `koanf:"disconnect_after_days"`
}

type SchedulerConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json | console
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
			RateLimit:       120,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./billing.db",
		},
		Billing: BillingConfig{
			UnitRate:            "5",
			Penalty:             "0",
			DueAfterDays:        14,
			DisconnectAfterDays: 5,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := Defaults()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG_FILE")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// .env is optional; real environment variables take precedence over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks values that koanf cannot.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("config: database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return errors.New("config: scheduler.interval must be positive")
	}
	if _, err := c.Billing.Tariff(); err != nil {
		return err
	}
	return nil
}

// Tariff converts the billing section into engine pricing rules.
func (b BillingConfig) Tariff() (billing.Tariff, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(b.UnitRate))
	if err != nil {
		return billing.Tariff{}, fmt.Errorf("config: invalid billing.unit_rate %q: %w", b.UnitRate, err)
	}
	if !rate.IsPositive() {
		return billing.Tariff{}, fmt.Errorf("config: billing.unit_rate must be positive")
	}

	penalty := billing.ZeroMoney()
	if strings.TrimSpace(b.Penalty) != "" {
		penalty, err = billing.ParseMoney(b.Penalty)
		if err != nil {
			return billing.Tariff{}, fmt.Errorf("config: invalid billing.penalty %q: %w", b.Penalty, err)
		}
		if penalty.IsNegative() {
			return billing.Tariff{}, errors.New("config: billing.penalty cannot be negative")
		}
	}

	if b.DueAfterDays < 0 || b.DisconnectAfterDays < 0 {
		return billing.Tariff{}, errors.New("config: due and disconnect days cannot be negative")
	}

	return billing.Tariff{
		UnitRate: rate,
		Penalty:  penalty,
		Schedule: billing.DueSchedule{
			DueAfterDays:        b.DueAfterDays,
			DisconnectAfterDays: b.DisconnectAfterDays,
		},
	}, nil
}
