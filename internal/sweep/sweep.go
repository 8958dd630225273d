// Package sweep runs one strategy over a grid of parameter combinations.
//
// Every combination is an independent backtest with its own feed, strategy,
// ledger and engine. Runs execute in parallel up to a limit; results come back
// in combination order regardless of completion order.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/atmx/backtest-engine/internal/analytics"
	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/ledger"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/strategy"
)

var (
	// ErrEmptyGrid is returned when a grid names no strategy or an axis has no values.
	ErrEmptyGrid = errors.New("sweep: grid has no strategy or an empty axis")

	// ErrTooManyCombinations guards against accidental grid explosions.
	ErrTooManyCombinations = errors.New("sweep: grid exceeds combination limit")
)

// MaxCombinations bounds the size of a single sweep.
const MaxCombinations = 10000

// Grid describes a sweep. Fixed params apply to every combination; each Axes
// entry lists the values to try for one parameter.
//
//	strategy: threshold
//	params:
//	  size: 0.5
//	axes:
//	  entry_below: [0.3, 0.35, 0.4]
//	  exit_above: [0.6, 0.7]
type Grid struct {
	Strategy string           `yaml:"strategy" json:"strategy"`
	Params   strategy.Params  `yaml:"params" json:"params,omitempty"`
	Axes     map[string][]any `yaml:"axes" json:"axes"`
}

// LoadGrid reads a YAML grid file.
func LoadGrid(path string) (Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return Grid{}, fmt.Errorf("open grid: %w", err)
	}
	defer f.Close()
	return ParseGrid(f)
}

// ParseGrid decodes a YAML grid.
func ParseGrid(r io.Reader) (Grid, error) {
	var g Grid
	if err := yaml.NewDecoder(r).Decode(&g); err != nil {
		return Grid{}, fmt.Errorf("decode grid: %w", err)
	}
	if err := g.Validate(); err != nil {
		return Grid{}, err
	}
	return g, nil
}

// Validate checks that the grid names a strategy and has no empty axis.
func (g Grid) Validate() error {
	if g.Strategy == "" {
		return ErrEmptyGrid
	}
	n := 1
	for name, values := range g.Axes {
		if len(values) == 0 {
			return fmt.Errorf("%w: %s", ErrEmptyGrid, name)
		}
		n *= len(values)
		if n > MaxCombinations {
			return fmt.Errorf("%w: more than %d", ErrTooManyCombinations, MaxCombinations)
		}
	}
	return nil
}

// Combinations expands the grid into concrete parameter sets. Axes are
// iterated in name order with the last name varying fastest, so the order is
// stable across calls.
func (g Grid) Combinations() []strategy.Params {
	names := make([]string, 0, len(g.Axes))
	for name := range g.Axes {
		names = append(names, name)
	}
	sort.Strings(names)

	out := []strategy.Params{g.base()}
	for _, name := range names {
		next := make([]strategy.Params, 0, len(out)*len(g.Axes[name]))
		for _, p := range out {
			for _, v := range g.Axes[name] {
				c := clone(p)
				c[name] = v
				next = append(next, c)
			}
		}
		out = next
	}
	return out
}

func (g Grid) base() strategy.Params {
	return clone(g.Params)
}

func clone(p strategy.Params) strategy.Params {
	out := make(strategy.Params, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// FeedFactory returns a fresh feed for one combination. Feeds are stateful,
// so combinations never share one.
type FeedFactory func(ctx context.Context) (feed.Feed, error)

// Config configures a sweep.
type Config struct {
	Ledger   ledger.Config
	Parallel int // maximum concurrent runs; <= 0 means one
	Logger   *slog.Logger
}

// Result is the outcome of one combination. Err is set when that run failed;
// a failed run does not stop the sweep.
type Result struct {
	Index   int                   `json:"index"`
	Params  strategy.Params       `json:"params"`
	Result  *model.BacktestResult `json:"-"`
	Metrics *model.Metrics        `json:"metrics,omitempty"`
	Err     error                 `json:"-"`
}

// Run executes every combination of g. It returns early only when ctx is
// cancelled or newFeed fails.
func Run(ctx context.Context, cfg Config, g Grid, newFeed FeedFactory) ([]Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.Parallel
	if limit <= 0 {
		limit = 1
	}

	combos := g.Combinations()
	results := make([]Result, len(combos))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for i, params := range combos {
		i, params := i, params
		eg.Go(func() error {
			results[i] = Result{Index: i, Params: params}
			if err := gctx.Err(); err != nil {
				return err
			}

			s, err := strategy.New(g.Strategy, params)
			if err != nil {
				results[i].Err = err
				return nil
			}
			f, err := newFeed(gctx)
			if err != nil {
				return fmt.Errorf("feed for combination %d: %w", i, err)
			}
			if c, ok := f.(io.Closer); ok {
				defer c.Close()
			}

			eng := engine.New(engine.Config{
				RunID:  fmt.Sprintf("sweep-%d", i),
				Ledger: cfg.Ledger,
			}, logger)
			res, err := eng.Run(gctx, f, s)
			if err != nil {
				results[i].Err = err
				return nil
			}
			m := analytics.Summarize(res)
			results[i].Result = res
			results[i].Metrics = &m
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Info("sweep complete",
		"strategy", g.Strategy,
		"combinations", len(combos),
		"parallel", limit,
	)
	return results, nil
}

// Rank returns the successful results ordered by descending total return,
// then by combination index.
func Rank(results []Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Err == nil && r.Metrics != nil {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Metrics.TotalReturn != out[j].Metrics.TotalReturn {
			return out[i].Metrics.TotalReturn > out[j].Metrics.TotalReturn
		}
		return out[i].Index < out[j].Index
	})
	return out
}
