package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is loaded from a YAML file (CONFIG_FILE env var or -config flag).
// PORT and ETHERSCAN_API_KEY env vars override the file when set.
type Config struct {
	APIKey  string `yaml:"api_key"`
	APIPort int    `yaml:"api_port"`

	EtherscanURL string `yaml:"etherscan_url"`
	BinanceURL   string `yaml:"binance_url"`

	// The tracked pool: token contract + pool address, both hex.
	TokenContract string `yaml:"token_contract"`
	PoolAddress   string `yaml:"pool_address"`

	// Price feed symbol, e.g. ETHUSDT.
	Symbol string `yaml:"symbol"`

	PollIntervalSec int `yaml:"poll_interval_sec"`
	BackfillSleepMs int `yaml:"backfill_sleep_ms"`

	// First day of pool activity, "2006-01-02". Backfill prices from here.
	BackfillStart string `yaml:"backfill_start"`

	// Outbound requests per second allowed against each upstream.
	// Zero disables pacing.
	EtherscanRPS float64 `yaml:"etherscan_rps"`
	BinanceRPS   float64 `yaml:"binance_rps"`

	// Inbound per-IP rate limit for the API server.
	APIRateLimitRPS   float64 `yaml:"api_rate_limit_rps"`
	APIRateLimitBurst int     `yaml:"api_rate_limit_burst"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("config: api_key is required")
	}
	if _, err := time.Parse("2006-01-02", cfg.BackfillStart); err != nil {
		return nil, fmt.Errorf("config: invalid backfill_start %q: %w", cfg.BackfillStart, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		APIPort:           5000,
		EtherscanURL:      "https://api.etherscan.io/api",
		BinanceURL:        "https://api.binance.com/api/v3/klines",
		TokenContract:     "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		PoolAddress:       "0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640",
		Symbol:            "ETHUSDT",
		PollIntervalSec:   10,
		BackfillSleepMs:   1000,
		BackfillStart:     "2021-05-01",
		EtherscanRPS:      4,
		BinanceRPS:        2,
		APIRateLimitRPS:   10,
		APIRateLimitBurst: 20,
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ETHERSCAN_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = port
		}
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c *Config) BackfillSleep() time.Duration {
	return time.Duration(c.BackfillSleepMs) * time.Millisecond
}

// BackfillStartTime returns backfill_start at midnight UTC.
// Load guarantees the field parses.
func (c *Config) BackfillStartTime() time.Time {
	t, _ := time.Parse("2006-01-02", c.BackfillStart)
	return t
}
