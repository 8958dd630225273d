package sweep

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/ledger"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/strategy"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sliceFactory(prices ...float64) FeedFactory {
	snaps := make([]model.MarketSnapshot, len(prices))
	for i, p := range prices {
		snaps[i] = model.MarketSnapshot{
			Timestamp:    t0.Add(time.Duration(i) * 24 * time.Hour),
			InstrumentID: "m1",
			Prices:       map[string]decimal.Decimal{"Yes": d(p)},
		}
	}
	return func(context.Context) (feed.Feed, error) {
		return feed.NewSliceFeed(snaps)
	}
}

func ledgerCfg() ledger.Config {
	return ledger.Config{InitialBalance: d(1000)}
}

func TestParseGrid(t *testing.T) {
	src := `
strategy: threshold
params:
  size: 0.5
axes:
  exit_above: [0.6, 0.7, 0.8]
  entry_below: [0.3, 0.4]
`
	g, err := ParseGrid(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseGrid: %v", err)
	}
	combos := g.Combinations()
	if len(combos) != 6 {
		t.Fatalf("expected 6 combinations, got %d", len(combos))
	}
	// entry_below sorts first, exit_above varies fastest.
	if combos[0]["entry_below"] != 0.3 || combos[0]["exit_above"] != 0.6 {
		t.Errorf("unexpected first combination: %v", combos[0])
	}
	if combos[1]["entry_below"] != 0.3 || combos[1]["exit_above"] != 0.7 {
		t.Errorf("unexpected second combination: %v", combos[1])
	}
	if combos[5]["entry_below"] != 0.4 || combos[5]["exit_above"] != 0.8 {
		t.Errorf("unexpected last combination: %v", combos[5])
	}
	for _, c := range combos {
		if c["size"] != 0.5 {
			t.Fatalf("fixed param missing from %v", c)
		}
	}

	combos[0]["size"] = 1.0
	if g.Params["size"] != 0.5 {
		t.Error("combinations must not alias the grid's fixed params")
	}
}

func TestParseGrid_Invalid(t *testing.T) {
	if _, err := ParseGrid(strings.NewReader("axes:\n  size: [0.1]\n")); !errors.Is(err, ErrEmptyGrid) {
		t.Errorf("missing strategy: expected ErrEmptyGrid, got %v", err)
	}
	if _, err := ParseGrid(strings.NewReader("strategy: hold\naxes:\n  size: []\n")); !errors.Is(err, ErrEmptyGrid) {
		t.Errorf("empty axis: expected ErrEmptyGrid, got %v", err)
	}
	if _, err := ParseGrid(strings.NewReader("strategy: [")); err == nil {
		t.Error("malformed yaml should fail")
	}
}

func TestRun_ResultsInCombinationOrder(t *testing.T) {
	g := Grid{
		Strategy: "threshold",
		Params:   strategy.Params{"size": 0.5},
		Axes: map[string][]any{
			"entry_below": {0.45, 0.5, 0.8},
			"exit_above":  {0.65, 0.75},
		},
	}
	results, err := Run(context.Background(), Config{Ledger: ledgerCfg(), Parallel: 4}, g, sliceFactory(0.4, 0.7, 0.7))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}

	for i, r := range results {
		if r.Index != i {
			t.Fatalf("result %d carries index %d", i, r.Index)
		}
		entry := r.Params["entry_below"].(float64)
		exit := r.Params["exit_above"].(float64)
		if entry >= exit {
			if r.Err == nil {
				t.Errorf("combination %d (%v >= %v) should fail strategy validation", i, entry, exit)
			}
			continue
		}
		if r.Err != nil {
			t.Fatalf("combination %d: %v", i, r.Err)
		}
		if !r.Result.FinalBalance.Equal(d(1375)) {
			t.Errorf("combination %d: expected final balance 1375, got %s", i, r.Result.FinalBalance)
		}
		if r.Metrics == nil || r.Metrics.TotalReturn != 0.375 {
			t.Errorf("combination %d: unexpected metrics %+v", i, r.Metrics)
		}
	}

	ranked := Rank(results)
	if len(ranked) != 4 {
		t.Fatalf("expected 4 ranked results, got %d", len(ranked))
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Index < ranked[i-1].Index {
			t.Error("equal returns should rank by combination index")
		}
	}
}

func TestRun_ParallelMatchesSequential(t *testing.T) {
	g := Grid{
		Strategy: "ema_crossover",
		Axes: map[string][]any{
			"period": {3, 5, 8, 13},
			"size":   {0.1, 0.3},
		},
	}
	factory := func(context.Context) (feed.Feed, error) {
		return feed.NewSyntheticFeed(feed.SyntheticConfig{
			InstrumentID: "syn",
			Start:        t0,
			Step:         time.Hour,
			Steps:        200,
			Seed:         7,
			Liquidity:    d(50),
			MaxTrade:     d(20),
		})
	}

	seq, err := Run(context.Background(), Config{Ledger: ledgerCfg(), Parallel: 1}, g, factory)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	par, err := Run(context.Background(), Config{Ledger: ledgerCfg(), Parallel: 8}, g, factory)
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	for i := range seq {
		if seq[i].Err != nil || par[i].Err != nil {
			t.Fatalf("combination %d failed: %v / %v", i, seq[i].Err, par[i].Err)
		}
		a, b := seq[i].Result, par[i].Result
		if !a.FinalBalance.Equal(b.FinalBalance) || len(a.Trades) != len(b.Trades) {
			t.Errorf("combination %d differs: %s/%d vs %s/%d",
				i, a.FinalBalance, len(a.Trades), b.FinalBalance, len(b.Trades))
		}
	}
}

func TestRun_FeedFactoryError(t *testing.T) {
	boom := errors.New("no data")
	g := Grid{Strategy: "hold", Axes: map[string][]any{"size": {0.1, 0.2}}}
	_, err := Run(context.Background(), Config{Ledger: ledgerCfg()}, g, func(context.Context) (feed.Feed, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := Grid{Strategy: "hold"}
	if _, err := Run(ctx, Config{Ledger: ledgerCfg()}, g, sliceFactory(0.5)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
