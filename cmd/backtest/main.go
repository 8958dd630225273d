// Command backtest replays prediction-market history through a strategy and
// reports its performance.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atmx/backtest-engine/internal/config"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd is the base command for the backtest CLI
var rootCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Prediction-market strategy backtester",
	Long: `backtest replays a sequence of market snapshots for one instrument through
a trading strategy, simulates a fully collateralized account, and reports
returns, trade statistics and risk metrics.

Snapshots come from a CSV file, the snapshot store, the Polymarket CLOB
price-history API, or a seeded synthetic market.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		level, err := cfg.LogLevel()
		if err != nil {
			return err
		}
		// Logs go to stderr so reports on stdout stay machine-readable.
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (default ./backtest.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
