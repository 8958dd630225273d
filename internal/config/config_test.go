package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/feed"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Redis.TTL != 30*time.Second {
		t.Errorf("expected redis ttl 30s, got %v", cfg.Redis.TTL)
	}
	if cfg.History.BaseURL != feed.DefaultCLOBURL {
		t.Errorf("expected default CLOB url, got %s", cfg.History.BaseURL)
	}
	if cfg.GapPolicy() != feed.GapFail {
		t.Errorf("expected fail-fast gap policy, got %v", cfg.GapPolicy())
	}

	l, err := cfg.Ledger()
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	if !l.InitialBalance.Equal(decimal.NewFromInt(10000)) || !l.FeeBps.IsZero() {
		t.Errorf("unexpected ledger defaults: %+v", l)
	}
	if lvl, _ := cfg.LogLevel(); lvl != slog.LevelInfo {
		t.Errorf("expected info level, got %v", lvl)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backtest.yaml")
	yaml := `
server:
  port: 9000
backtest:
  initial_balance: 1000
  fee_bps: 25
  gap_policy: skip
  max_gap: 2h
history:
  requests_per_second: 2
  max_failures: 3
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BACKTEST_SERVER_PORT", "9191")
	t.Setenv("BACKTEST_DATABASE_URL", "postgres://localhost/backtest")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("env should override file port, got %d", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://localhost/backtest" {
		t.Errorf("expected database url from env, got %q", cfg.Database.URL)
	}
	if cfg.Backtest.MaxGap != 2*time.Hour || cfg.GapPolicy() != feed.GapSkip {
		t.Errorf("unexpected gap settings: %v %v", cfg.Backtest.MaxGap, cfg.GapPolicy())
	}

	l, err := cfg.Ledger()
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	if !l.InitialBalance.Equal(decimal.NewFromInt(1000)) || !l.FeeBps.Equal(decimal.NewFromInt(25)) {
		t.Errorf("unexpected ledger: %+v", l)
	}

	cc := cfg.CLOBClient()
	if cc.RequestsPerSecond != 2 || cc.MaxFailures != 3 {
		t.Errorf("unexpected client config: %+v", cc)
	}
	if lvl, _ := cfg.LogLevel(); lvl != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", lvl)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Backtest: BacktestConfig{InitialBalance: "1000", FeeBps: "0", MaxPositionFraction: "1"},
			Log:      LogConfig{Level: "info"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad balance", func(c *Config) { c.Backtest.InitialBalance = "lots" }},
		{"zero balance", func(c *Config) { c.Backtest.InitialBalance = "0" }},
		{"negative fee", func(c *Config) { c.Backtest.FeeBps = "-1" }},
		{"fraction above one", func(c *Config) { c.Backtest.MaxPositionFraction = "1.5" }},
		{"gap policy", func(c *Config) { c.Backtest.GapPolicy = "interpolate" }},
		{"negative gap", func(c *Config) { c.Backtest.MaxGap = -time.Second }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
	}

	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
