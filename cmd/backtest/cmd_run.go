package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/atmx/backtest-engine/internal/analytics"
	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/report"
	"github.com/atmx/backtest-engine/internal/strategy"
)

var (
	runSrc       sourceFlags
	runStrategy  string
	runParams    []string
	runFormat    string
	runOutput    string
	runTradesCSV string
	runEquityCSV string
	runSave      bool
	runTimeout   time.Duration
)

// runCmd implements 'backtest run'
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one strategy over one instrument's history",
	Long: `Run replays every snapshot from the selected source through the strategy
and prints a report. Any position still open at the end is closed at the
last snapshot's price.

Examples:
  backtest run --input prices.csv --strategy threshold --param entry_below=0.35
  backtest run --source synthetic --seed 7 --strategy ema_crossover --format json
  backtest run --source history --token 2174...455 --from 2024-06-01T00:00:00Z \
      --to 2024-07-01T00:00:00Z --strategy rsi_reversal --equity-csv equity.csv`,
	RunE: runBacktest,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runSrc.register(runCmd)
	runCmd.Flags().StringVar(&runStrategy, "strategy", "simple_probability", "Strategy name (see 'backtest strategies')")
	runCmd.Flags().StringArrayVar(&runParams, "param", nil, "Strategy parameter key=value (repeatable)")
	runCmd.Flags().StringVar(&runFormat, "format", "text", "Report format: text, json")
	runCmd.Flags().StringVar(&runOutput, "output", "", "Write the report to a file instead of stdout")
	runCmd.Flags().StringVar(&runTradesCSV, "trades-csv", "", "Also write closed trades as CSV")
	runCmd.Flags().StringVar(&runEquityCSV, "equity-csv", "", "Also write the equity curve as CSV")
	runCmd.Flags().BoolVar(&runSave, "save", false, "Persist the run to the database")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Abort the run after this long, 0 for no limit")
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	params, err := parseParams(runParams)
	if err != nil {
		return err
	}
	strat, err := strategy.New(runStrategy, params)
	if err != nil {
		return err
	}
	ledgerCfg, err := cfg.Ledger()
	if err != nil {
		return err
	}

	src, cleanup, err := runSrc.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	runID := uuid.New().String()
	eng := engine.New(engine.Config{RunID: runID, Ledger: ledgerCfg}, logger)
	res, runErr := eng.Run(ctx, src, strat)

	var m model.Metrics
	if runErr == nil {
		m = analytics.Summarize(res)
	}
	if runSave {
		if err := saveRun(ctx, runID, params, res, m, runErr); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}

	if err := writeTo(runOutput, func(w io.Writer) error {
		switch runFormat {
		case "json":
			return report.JSON(w, res, m)
		case "text":
			return report.Text(w, res, m)
		}
		return fmt.Errorf("unknown format %q (want text or json)", runFormat)
	}); err != nil {
		return err
	}
	if runTradesCSV != "" {
		if err := writeTo(runTradesCSV, func(w io.Writer) error { return report.WriteTradesCSV(w, res.Trades) }); err != nil {
			return err
		}
	}
	if runEquityCSV != "" {
		if err := writeTo(runEquityCSV, func(w io.Writer) error { return report.WriteEquityCSV(w, res.EquityCurve) }); err != nil {
			return err
		}
	}
	return nil
}

func saveRun(ctx context.Context, id string, params strategy.Params, res *model.BacktestResult, m model.Metrics, runErr error) error {
	st, closeStore, err := openStore(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	defer closeStore()

	run := &model.Run{
		ID:           id,
		Strategy:     runStrategy,
		InstrumentID: runSrc.instrument,
		Params:       params,
		CreatedAt:    time.Now().UTC(),
	}
	if runErr != nil {
		run.Status = model.RunFailed
		run.Error = runErr.Error()
		var re *engine.RunError
		if errors.As(runErr, &re) && !re.LastProcessed.IsZero() {
			last := re.LastProcessed
			run.LastProcessed = &last
		}
	} else {
		run.Status = model.RunCompleted
		run.InstrumentID = res.InstrumentID
		run.Result = res
		run.Metrics = &m
	}
	if err := st.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	logger.Info("run saved", "run_id", id, "status", run.Status)
	return nil
}

// writeTo writes to path, or to stdout when path is empty or "-".
func writeTo(path string, fn func(io.Writer) error) error {
	if path == "" || path == "-" {
		return fn(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
