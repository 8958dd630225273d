// Package config loads service and CLI settings from defaults, an optional
// YAML file, a .env file and BACKTEST_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/ledger"
)

// EnvPrefix prefixes every environment override, e.g. BACKTEST_SERVER_PORT.
const EnvPrefix = "BACKTEST"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	History  HistoryConfig  `mapstructure:"history"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// BacktestConfig holds ledger and feed settings shared by every run. Money
// values are strings so they reach decimal without a float round trip.
type BacktestConfig struct {
	InitialBalance      string        `mapstructure:"initial_balance"`
	FeeBps              string        `mapstructure:"fee_bps"`
	MaxPositionFraction string        `mapstructure:"max_position_fraction"`
	FillAtTouch         bool          `mapstructure:"fill_at_touch"`
	MaxGap              time.Duration `mapstructure:"max_gap"`
	GapPolicy           string        `mapstructure:"gap_policy"`
	Parallel            int           `mapstructure:"parallel"`
}

type HistoryConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxFailures       uint32        `mapstructure:"max_failures"`
	CoolDown          time.Duration `mapstructure:"cool_down"`
	Fidelity          time.Duration `mapstructure:"fidelity"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration. An empty path searches ./backtest.yaml and
// ./config/backtest.yaml; a missing file is not an error unless the path
// was given explicitly.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("backtest")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", 30*time.Second)

	v.SetDefault("backtest.initial_balance", "10000")
	v.SetDefault("backtest.fee_bps", "0")
	v.SetDefault("backtest.max_position_fraction", "1")
	v.SetDefault("backtest.fill_at_touch", false)
	v.SetDefault("backtest.max_gap", time.Duration(0))
	v.SetDefault("backtest.gap_policy", feed.GapFail.String())
	v.SetDefault("backtest.parallel", 4)

	v.SetDefault("history.base_url", feed.DefaultCLOBURL)
	v.SetDefault("history.timeout", 30*time.Second)
	v.SetDefault("history.requests_per_second", 5.0)
	v.SetDefault("history.burst", 5)
	v.SetDefault("history.max_failures", 5)
	v.SetDefault("history.cool_down", 30*time.Second)
	v.SetDefault("history.fidelity", time.Hour)

	v.SetDefault("log.level", "info")
}

// Validate parses the values that viper cannot type-check.
func (c *Config) Validate() error {
	if _, err := c.Ledger(); err != nil {
		return err
	}
	if _, err := feed.ParseGapPolicy(c.Backtest.GapPolicy); err != nil {
		return fmt.Errorf("config: backtest.gap_policy: %w", err)
	}
	if c.Backtest.MaxGap < 0 {
		return errors.New("config: backtest.max_gap must be non-negative")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// Ledger converts the backtest section into a ledger configuration.
func (c *Config) Ledger() (ledger.Config, error) {
	initial, err := decimal.NewFromString(c.Backtest.InitialBalance)
	if err != nil {
		return ledger.Config{}, fmt.Errorf("config: backtest.initial_balance: %w", err)
	}
	if !initial.IsPositive() {
		return ledger.Config{}, errors.New("config: backtest.initial_balance must be positive")
	}
	fee, err := decimal.NewFromString(c.Backtest.FeeBps)
	if err != nil {
		return ledger.Config{}, fmt.Errorf("config: backtest.fee_bps: %w", err)
	}
	if fee.IsNegative() {
		return ledger.Config{}, errors.New("config: backtest.fee_bps must be non-negative")
	}
	maxFrac, err := decimal.NewFromString(c.Backtest.MaxPositionFraction)
	if err != nil {
		return ledger.Config{}, fmt.Errorf("config: backtest.max_position_fraction: %w", err)
	}
	if maxFrac.IsNegative() || maxFrac.GreaterThan(decimal.NewFromInt(1)) {
		return ledger.Config{}, errors.New("config: backtest.max_position_fraction must be in [0, 1]")
	}
	return ledger.Config{
		InitialBalance:      initial,
		FeeBps:              fee,
		MaxPositionFraction: maxFrac,
		FillAtTouch:         c.Backtest.FillAtTouch,
	}, nil
}

// GapPolicy returns the parsed gap policy. Validate has already checked it.
func (c *Config) GapPolicy() feed.GapPolicy {
	p, _ := feed.ParseGapPolicy(c.Backtest.GapPolicy)
	return p
}

// CLOBClient converts the history section into a client configuration.
func (c *Config) CLOBClient() feed.ClientConfig {
	return feed.ClientConfig{
		BaseURL:           c.History.BaseURL,
		Timeout:           c.History.Timeout,
		RequestsPerSecond: c.History.RequestsPerSecond,
		Burst:             c.History.Burst,
		MaxFailures:       c.History.MaxFailures,
		CoolDown:          c.History.CoolDown,
	}
}

// LogLevel parses log.level ("debug", "info", "warn", "error").
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return lvl, nil
}
