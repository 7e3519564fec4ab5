// Package config loads service settings from an optional YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the top-level service configuration.
type Config struct {
	Env     string  `yaml:"env"`
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
	Store   Store   `yaml:"store"`
	Ledger  Ledger  `yaml:"ledger"`
	Feeds   Feeds   `yaml:"feeds"`
	Poller  Poller  `yaml:"poller"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Port string `yaml:"port"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Store selects and configures persistence.
type Store struct {
	Driver      string        `yaml:"driver"`
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Ledger holds account defaults. Amounts are decimal strings.
type Ledger struct {
	DefaultProfileName    string `yaml:"default_profile_name"`
	DefaultInitialBalance string `yaml:"default_initial_balance"`
	MaxStakePerMarket     string `yaml:"max_stake_per_market"`
}

// Feeds configures the price and resolution feeds.
type Feeds struct {
	PriceURL      string        `yaml:"price_url"`
	ResolutionURL string        `yaml:"resolution_url"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	RatePerSec    float64       `yaml:"rate_per_sec"`
	BatchSize     int           `yaml:"batch_size"`
}

// Poller holds the polling schedule.
type Poller struct {
	PriceInterval      time.Duration `yaml:"price_interval"`
	SettleInterval     time.Duration `yaml:"settle_interval"`
	SettleInitialDelay time.Duration `yaml:"settle_initial_delay"`
	SyntheticPrices    bool          `yaml:"synthetic_prices"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Env:     "development",
		Server:  Server{Port: "8080"},
		Logging: Logging{Level: "info"},
		Store: Store{
			SQLitePath: "./data/ledger.db",
			CacheTTL:   30 * time.Second,
		},
		Ledger: Ledger{
			DefaultProfileName:    "Default",
			DefaultInitialBalance: "1000",
			MaxStakePerMarket:     "0",
		},
		Feeds: Feeds{
			FetchTimeout: 8 * time.Second,
			RatePerSec:   5,
			BatchSize:    50,
		},
		Poller: Poller{
			PriceInterval:      15 * time.Second,
			SettleInterval:     30 * time.Second,
			SettleInitialDelay: 5 * time.Second,
		},
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips it. A .env file in the working directory is loaded when
// present.
func Load(path string) (*Config, error) {
	// Ignore the error so the service still starts without a .env file.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
		if cfg.Store.DatabaseURL != "" {
			cfg.Store.Driver = DriverPostgres
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides fields whose environment variable is set.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("APP_ENV", &cfg.Env)
	str("PORT", &cfg.Server.Port)
	str("LOG_LEVEL", &cfg.Logging.Level)

	str("STORE_DRIVER", &cfg.Store.Driver)
	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	str("SQLITE_PATH", &cfg.Store.SQLitePath)
	str("REDIS_URL", &cfg.Store.RedisURL)
	dur("CACHE_TTL", &cfg.Store.CacheTTL)

	str("DEFAULT_PROFILE_NAME", &cfg.Ledger.DefaultProfileName)
	str("DEFAULT_INITIAL_BALANCE", &cfg.Ledger.DefaultInitialBalance)
	str("MAX_STAKE_PER_MARKET", &cfg.Ledger.MaxStakePerMarket)

	str("PRICE_FEED_URL", &cfg.Feeds.PriceURL)
	str("RESOLUTION_FEED_URL", &cfg.Feeds.ResolutionURL)
	dur("FETCH_TIMEOUT", &cfg.Feeds.FetchTimeout)
	cfg.Feeds.RatePerSec = getEnvFloat("FEED_RATE_PER_SEC", cfg.Feeds.RatePerSec)
	cfg.Feeds.BatchSize = getEnvInt("FEED_BATCH_SIZE", cfg.Feeds.BatchSize)

	dur("PRICE_INTERVAL", &cfg.Poller.PriceInterval)
	dur("SETTLE_INTERVAL", &cfg.Poller.SettleInterval)
	dur("SETTLE_INITIAL_DELAY", &cfg.Poller.SettleInitialDelay)
	cfg.Poller.SyntheticPrices = getEnvBool("SYNTHETIC_PRICES", cfg.Poller.SyntheticPrices)

	return errors.Join(errs...)
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store driver postgres requires DATABASE_URL"))
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store driver sqlite requires SQLITE_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	if b, err := decimal.NewFromString(c.Ledger.DefaultInitialBalance); err != nil || !b.IsPositive() {
		errs = append(errs, fmt.Errorf("default initial balance must be a positive decimal, got %q", c.Ledger.DefaultInitialBalance))
	}
	if m, err := decimal.NewFromString(c.Ledger.MaxStakePerMarket); err != nil || m.IsNegative() {
		errs = append(errs, fmt.Errorf("max stake per market must be a non-negative decimal, got %q", c.Ledger.MaxStakePerMarket))
	}
	if c.Feeds.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("feed batch size must be at least 1, got %d", c.Feeds.BatchSize))
	}
	if c.Poller.PriceInterval <= 0 || c.Poller.SettleInterval <= 0 {
		errs = append(errs, errors.New("poll intervals must be positive"))
	}
	if c.Feeds.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Production reports whether the service runs in production.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// SyntheticEnabled reports whether synthetic marks may be generated. They
// are never used in production.
func (c *Config) SyntheticEnabled() bool {
	return c.Poller.SyntheticPrices && !c.Production()
}

// InitialBalance returns the default profile's starting balance.
func (c *Config) InitialBalance() decimal.Decimal {
	return decimal.RequireFromString(c.Ledger.DefaultInitialBalance)
}

// MaxStake returns the per-market stake cap; zero disables it.
func (c *Config) MaxStake() decimal.Decimal {
	return decimal.RequireFromString(c.Ledger.MaxStakePerMarket)
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
