// Package config loads server settings from a YAML file and the environment.
package config

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the full server configuration.
type Config struct {
	Env     string  `yaml:"env" env:"BILLING_ENV" env-default:"local"`
	HTTP    HTTP    `yaml:"http_server"`
	Storage Storage `yaml:"storage"`
	Billing Billing `yaml:"billing"`
}

// HTTP configures the listener.
type HTTP struct {
	Address        string        `yaml:"address" env:"BILLING_HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"BILLING_HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"BILLING_HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"BILLING_HTTP_IDLE_TIMEOUT" env-default:"60s"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"BILLING_HTTP_ALLOWED_ORIGINS" env-default:"http://localhost:5173,http://localhost:8080"`
}

// Storage points at the SQLite database. ":memory:" is allowed.
type Storage struct {
	Path string `yaml:"path" env:"BILLING_DB_PATH" env-default:"billing.db"`
}

// Billing holds engine settings.
type Billing struct {
	// Timezone periods and due dates are evaluated in (IANA name).
	Timezone string `yaml:"timezone" env:"BILLING_TIMEZONE" env-default:"Europe/Madrid"`
	// SummaryMonths is the default length of the monthly summary series.
	SummaryMonths int `yaml:"summary_months" env:"BILLING_SUMMARY_MONTHS" env-default:"12"`
}

// Load reads the file named by CONFIG_PATH when set, otherwise the
// environment alone. Environment variables override file values.
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s does not exist", path)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load for main: any error is fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatal(err)
	}
	return cfg
}

func (c *Config) validate() error {
	if _, err := time.LoadLocation(c.Billing.Timezone); err != nil {
		return fmt.Errorf("invalid billing timezone %q: %w", c.Billing.Timezone, err)
	}
	if c.Billing.SummaryMonths < 1 {
		return fmt.Errorf("billing summary_months must be at least 1, got %d", c.Billing.SummaryMonths)
	}
	return nil
}

// Location returns the configured billing time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Billing.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// LogValue groups the settings for the startup log line.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("env", c.Env),
		slog.Group("http",
			slog.String("address", c.HTTP.Address),
			slog.Duration("read_timeout", c.HTTP.ReadTimeout),
			slog.Duration("write_timeout", c.HTTP.WriteTimeout),
			slog.Duration("idle_timeout", c.HTTP.IdleTimeout),
			slog.Any("allowed_origins", c.HTTP.AllowedOrigins),
		),
		slog.String("db", c.Storage.Path),
		slog.Group("billing",
			slog.String("timezone", c.Billing.Timezone),
			slog.Int("summary_months", c.Billing.SummaryMonths),
		),
	)
}
