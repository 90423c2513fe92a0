package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names for provider credentials. Keys never live in the
// YAML file.
const (
	EnvCoinGeckoAPIKey    = "COINGECKO_API_KEY"
	EnvExchangeRateAPIKey = "EXCHANGERATE_API_KEY"
	EnvLogLevel           = "LOG_LEVEL"
)

// Config is the single static configuration object of the application. It is
// built once at startup and passed by reference into each component.
type Config struct {
	Valutatrade AppConfig     `yaml:"valutatrade"`
	Rates       RatesConfig   `yaml:"rates"`
	Sources     SourcesConfig `yaml:"sources"`
	Storage     StorageConfig `yaml:"storage"`
	Logging     LoggingConfig `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// RatesConfig controls the aggregation engine: the base currency every
// provider normalizes to, cache staleness and network bounds.
type RatesConfig struct {
	BaseCurrency          string `yaml:"base_currency"`
	TTLSeconds            int    `yaml:"ttl_seconds"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	UpdateIntervalSeconds int    `yaml:"update_interval_seconds"`
	RetryAttempts         int    `yaml:"retry_attempts"`
	RetryDelaySeconds     int    `yaml:"retry_delay_seconds"`
}

func (r RatesConfig) TTL() time.Duration { return time.Duration(r.TTLSeconds) * time.Second }

func (r RatesConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSeconds) * time.Second
}

func (r RatesConfig) UpdateInterval() time.Duration {
	return time.Duration(r.UpdateIntervalSeconds) * time.Second
}

func (r RatesConfig) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelaySeconds) * time.Second
}

type SourcesConfig struct {
	CoinGecko    SourceConfig `yaml:"coingecko"`
	ExchangeRate SourceConfig `yaml:"exchangerate"`
}

// SourceConfig is the per-provider block: endpoint, the currencies the
// provider is asked for and a client-side request limiter.
type SourceConfig struct {
	Enabled    bool            `yaml:"enabled"`
	URL        string          `yaml:"url"`
	Currencies []string        `yaml:"currencies"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`

	// Resolved from the environment, never from the file.
	APIKey string `yaml:"-"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// StorageConfig names the JSON files under the data directory.
type StorageConfig struct {
	DataDir        string `yaml:"data_dir"`
	RatesFile      string `yaml:"rates_file"`
	HistoryFile    string `yaml:"history_file"`
	UsersFile      string `yaml:"users_file"`
	PortfoliosFile string `yaml:"portfolios_file"`
}

func (s StorageConfig) RatesPath() string      { return filepath.Join(s.DataDir, s.RatesFile) }
func (s StorageConfig) HistoryPath() string    { return filepath.Join(s.DataDir, s.HistoryFile) }
func (s StorageConfig) UsersPath() string      { return filepath.Join(s.DataDir, s.UsersFile) }
func (s StorageConfig) PortfoliosPath() string { return filepath.Join(s.DataDir, s.PortfoliosFile) }

type LoggingConfig struct {
	Level string        `yaml:"level"`
	File  LogFileConfig `yaml:"file"`
}

type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads the YAML file at path, applies defaults and overlays
// secrets from the environment.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse YAML: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and secrets read
// from the environment, for running without a config file.
func Default() *Config {
	var cfg Config
	cfg.Sources.CoinGecko.Enabled = true
	cfg.Sources.ExchangeRate.Enabled = true
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Valutatrade.Name == "" {
		c.Valutatrade.Name = "valutatrade-hub"
	}
	if c.Rates.BaseCurrency == "" {
		c.Rates.BaseCurrency = "USD"
	}
	if c.Rates.TTLSeconds <= 0 {
		c.Rates.TTLSeconds = 300
	}
	if c.Rates.RequestTimeoutSeconds <= 0 {
		c.Rates.RequestTimeoutSeconds = 10
	}
	if c.Rates.UpdateIntervalSeconds <= 0 {
		c.Rates.UpdateIntervalSeconds = 300
	}
	if c.Rates.RetryDelaySeconds <= 0 {
		c.Rates.RetryDelaySeconds = 5
	}

	if c.Sources.CoinGecko.URL == "" {
		c.Sources.CoinGecko.URL = "https://api.coingecko.com/api/v3/simple/price"
	}
	if len(c.Sources.CoinGecko.Currencies) == 0 {
		c.Sources.CoinGecko.Currencies = []string{"BTC", "ETH", "SOL"}
	}
	if c.Sources.ExchangeRate.URL == "" {
		c.Sources.ExchangeRate.URL = "https://v6.exchangerate-api.com/v6"
	}
	if len(c.Sources.ExchangeRate.Currencies) == 0 {
		c.Sources.ExchangeRate.Currencies = []string{"EUR", "GBP", "RUB"}
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.RatesFile == "" {
		c.Storage.RatesFile = "rates.json"
	}
	if c.Storage.HistoryFile == "" {
		c.Storage.HistoryFile = "exchange_rates.json"
	}
	if c.Storage.UsersFile == "" {
		c.Storage.UsersFile = "users.json"
	}
	if c.Storage.PortfoliosFile == "" {
		c.Storage.PortfoliosFile = "portfolios.json"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File.Path == "" {
		c.Logging.File.Path = "logs/actions.log"
	}
	if c.Logging.File.MaxSizeMB <= 0 {
		c.Logging.File.MaxSizeMB = 1
	}
	if c.Logging.File.MaxBackups <= 0 {
		c.Logging.File.MaxBackups = 3
	}
}

func (c *Config) applyEnv() {
	c.Sources.CoinGecko.APIKey = os.Getenv(EnvCoinGeckoAPIKey)
	c.Sources.ExchangeRate.APIKey = os.Getenv(EnvExchangeRateAPIKey)
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Logging.Level = level
	}
}

func (c *Config) validate() error {
	if !c.Sources.CoinGecko.Enabled && !c.Sources.ExchangeRate.Enabled {
		return fmt.Errorf("config: at least one rate source must be enabled")
	}
	return nil
}
