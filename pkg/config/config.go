// Package config loads server configuration from an optional yaml file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Feed    FeedConfig    `yaml:"feed"`
	Session SessionConfig `yaml:"session"`
	Chain   ChainConfig   `yaml:"chain"`
}

// ServerConfig configures the MCP server process.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"` // "debug", "info", "warn", "error"
}

// Address returns the host:port bind address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// FeedConfig configures the connection to the market-data feed.
type FeedConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ClientID identifies this consumer to socket-based feeds. The Client
	// Portal gateway has no client-id concept and ignores it; it is
	// accepted for environment parity.
	ClientID int `yaml:"client_id"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MarketDataType: 1=live, 2=frozen, 3=delayed, 4=delayed frozen.
	// The Client Portal gateway serves whatever the account's data
	// subscriptions allow and offers no per-session mode selector, so this
	// is reported in chain results rather than requested from the feed.
	MarketDataType int `yaml:"market_data_type"`
}

// SessionConfig configures session lifecycle management.
type SessionConfig struct {
	// Timeout is the idle duration after which a session is evicted.
	Timeout time.Duration `yaml:"timeout"`

	// SweepInterval is how often the background sweep scans for expired
	// sessions.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ChainConfig configures option chain fetch defaults.
type ChainConfig struct {
	StrikeCount    int     `yaml:"strike_count"`
	StrikeRangePct float64 `yaml:"strike_range_pct"`
}

// Default returns a Config with the documented defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8000,
			LogLevel: "info",
		},
		Feed: FeedConfig{
			Host:           "127.0.0.1",
			Port:           7496,
			ClientID:       1,
			ConnectTimeout: 30 * time.Second,
			MarketDataType: 4,
		},
		Session: SessionConfig{
			Timeout:       5 * time.Minute,
			SweepInterval: 60 * time.Second,
		},
		Chain: ChainConfig{
			StrikeCount:    20,
			StrikeRangePct: 20.0,
		},
	}
}

// envOverrides maps environment variables onto Config fields. Pointer fields
// distinguish "unset" from zero values so the environment only overrides
// what it names.
type envOverrides struct {
	Host     *string `envconfig:"HOST"`
	Port     *int    `envconfig:"PORT"`
	LogLevel *string `envconfig:"LOG_LEVEL"`

	FeedHost       *string        `envconfig:"IBKR_HOST"`
	FeedPort       *int           `envconfig:"IBKR_PORT"`
	FeedClientID   *int           `envconfig:"IBKR_CLIENT_ID"`
	FeedTimeout    *time.Duration `envconfig:"IBKR_TIMEOUT"`
	MarketDataType *int           `envconfig:"MARKET_DATA_TYPE"`

	SessionTimeout *time.Duration `envconfig:"SESSION_TIMEOUT"`
	SweepInterval  *time.Duration `envconfig:"SESSION_CLEANUP_INTERVAL"`

	StrikeCount    *int     `envconfig:"DEFAULT_STRIKE_COUNT"`
	StrikeRangePct *float64 `envconfig:"DEFAULT_STRIKE_RANGE_PCT"`
}

// Load builds the configuration: defaults, then the yaml file at path (if
// any), then environment overrides. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // config path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	applyOverrides(cfg, &env)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides copies each set environment value onto the config.
func applyOverrides(cfg *Config, env *envOverrides) {
	setString(&cfg.Server.Host, env.Host)
	setInt(&cfg.Server.Port, env.Port)
	setString(&cfg.Server.LogLevel, env.LogLevel)

	setString(&cfg.Feed.Host, env.FeedHost)
	setInt(&cfg.Feed.Port, env.FeedPort)
	setInt(&cfg.Feed.ClientID, env.FeedClientID)
	setDuration(&cfg.Feed.ConnectTimeout, env.FeedTimeout)
	setInt(&cfg.Feed.MarketDataType, env.MarketDataType)

	setDuration(&cfg.Session.Timeout, env.SessionTimeout)
	setDuration(&cfg.Session.SweepInterval, env.SweepInterval)

	setInt(&cfg.Chain.StrikeCount, env.StrikeCount)
	if env.StrikeRangePct != nil {
		cfg.Chain.StrikeRangePct = *env.StrikeRangePct
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *time.Duration) {
	if src != nil {
		*dst = *src
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("session timeout must be positive, got %s", c.Session.Timeout)
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session sweep interval must be positive, got %s", c.Session.SweepInterval)
	}
	if c.Chain.StrikeCount <= 0 {
		return fmt.Errorf("strike count must be positive, got %d", c.Chain.StrikeCount)
	}
	if c.Feed.MarketDataType < 1 || c.Feed.MarketDataType > 4 {
		return fmt.Errorf("market data type must be 1-4, got %d", c.Feed.MarketDataType)
	}
	return nil
}
