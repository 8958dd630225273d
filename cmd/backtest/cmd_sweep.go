package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/strategy"
	"github.com/atmx/backtest-engine/internal/sweep"
)

var (
	sweepSrc      sourceFlags
	sweepGrid     string
	sweepParallel int
	sweepTop      int
	sweepFormat   string
	sweepOutput   string
)

// sweepCmd implements 'backtest sweep'
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a strategy over every combination in a parameter grid",
	Long: `Sweep loads the snapshot source once and replays it for every parameter
combination in a YAML grid file, then ranks the runs by total return.

Grid file:
  strategy: threshold
  params:
    size_fraction: 0.5
  axes:
    entry_below: [0.3, 0.35, 0.4]
    exit_above: [0.6, 0.7]

Example:
  backtest sweep --input prices.csv --grid grid.yaml --parallel 8 --top 10`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepSrc.register(sweepCmd)
	sweepCmd.Flags().StringVar(&sweepGrid, "grid", "", "YAML grid file")
	sweepCmd.Flags().IntVar(&sweepParallel, "parallel", 0, "Concurrent runs (default backtest.parallel)")
	sweepCmd.Flags().IntVar(&sweepTop, "top", 0, "Show only the best N runs, 0 for all")
	sweepCmd.Flags().StringVar(&sweepFormat, "format", "table", "Output format: table, json")
	sweepCmd.Flags().StringVar(&sweepOutput, "output", "", "Write results to a file instead of stdout")
	_ = sweepCmd.MarkFlagRequired("grid")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	g, err := sweep.LoadGrid(sweepGrid)
	if err != nil {
		return err
	}
	ledgerCfg, err := cfg.Ledger()
	if err != nil {
		return err
	}
	parallel := sweepParallel
	if parallel <= 0 {
		parallel = cfg.Backtest.Parallel
	}

	src, err := sweepSrc.materialize(ctx)
	if err != nil {
		return err
	}
	snaps, err := feed.Collect(ctx, src)
	if err != nil {
		return err
	}
	logger.Info("sweep starting",
		"strategy", g.Strategy,
		"combinations", len(g.Combinations()),
		"snapshots", len(snaps),
		"parallel", parallel,
	)

	results, err := sweep.Run(ctx, sweep.Config{
		Ledger:   ledgerCfg,
		Parallel: parallel,
		Logger:   logger,
	}, g, func(context.Context) (feed.Feed, error) {
		return feed.NewSliceFeed(snaps)
	})
	if err != nil {
		return err
	}

	ranked := sweep.Rank(results)
	if sweepTop > 0 && sweepTop < len(ranked) {
		ranked = ranked[:sweepTop]
	}

	return writeTo(sweepOutput, func(w io.Writer) error {
		switch sweepFormat {
		case "json":
			return writeSweepJSON(w, g.Strategy, ranked)
		case "table":
			return writeSweepTable(w, ranked)
		}
		return fmt.Errorf("unknown format %q (want table or json)", sweepFormat)
	})
}

type sweepRow struct {
	Rank    int             `json:"rank"`
	Index   int             `json:"index"`
	Params  strategy.Params `json:"params"`
	Metrics *model.Metrics  `json:"metrics,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func writeSweepJSON(w io.Writer, strat string, ranked []sweep.Result) error {
	rows := make([]sweepRow, len(ranked))
	for i, r := range ranked {
		rows[i] = sweepRow{Rank: i + 1, Index: r.Index, Params: r.Params, Metrics: r.Metrics}
		if r.Err != nil {
			rows[i].Error = r.Err.Error()
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Strategy string     `json:"strategy"`
		Results  []sweepRow `json:"results"`
	}{strat, rows})
}

func writeSweepTable(w io.Writer, ranked []sweep.Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tRUN\tRETURN\tSHARPE\tMAX DD\tTRADES\tWIN RATE\tPARAMS")
	for i, r := range ranked {
		if r.Err != nil || r.Metrics == nil {
			fmt.Fprintf(tw, "%d\t%d\t-\t-\t-\t-\t-\t%s (error: %v)\n", i+1, r.Index, formatParams(r.Params), r.Err)
			continue
		}
		m := r.Metrics
		fmt.Fprintf(tw, "%d\t%d\t%.2f%%\t%.3f\t%.2f%%\t%d\t%.1f%%\t%s\n",
			i+1, r.Index,
			m.TotalReturn*100,
			m.SharpeRatio,
			m.MaxDrawdown*100,
			m.TotalTrades,
			m.WinRate*100,
			formatParams(r.Params),
		)
	}
	return tw.Flush()
}

// formatParams renders params as sorted key=value pairs.
func formatParams(p strategy.Params) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return strings.Join(parts, " ")
}
