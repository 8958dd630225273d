package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/instrument"
	"github.com/atmx/backtest-engine/internal/store"
	"github.com/atmx/backtest-engine/internal/strategy"
)

// Snapshot sources.
const (
	sourceCSV       = "csv"
	sourceStore     = "store"
	sourceHistory   = "history"
	sourceSynthetic = "synthetic"
)

// sourceFlags select and configure where snapshots come from. Both run and
// sweep register them.
type sourceFlags struct {
	source     string
	input      string
	instrument string
	from       string
	to         string

	token      string
	outcome    string
	complement string
	fidelity   time.Duration

	steps     int
	step      time.Duration
	seed      int64
	liquidity float64
	maxTrade  float64
	spread    float64
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.source, "source", sourceCSV, "Snapshot source: csv, store, history, synthetic")
	fl.StringVar(&f.input, "input", "", "CSV file (source=csv)")
	fl.StringVar(&f.instrument, "instrument", "", "Instrument ID (source=store, history, synthetic)")
	fl.StringVar(&f.from, "from", "", "Start time, RFC3339 or unix seconds")
	fl.StringVar(&f.to, "to", "", "End time, RFC3339 or unix seconds")

	fl.StringVar(&f.token, "token", "", "CLOB token ID (source=history)")
	fl.StringVar(&f.outcome, "outcome", feed.OutcomeYes, "Outcome label for fetched prices (source=history)")
	fl.StringVar(&f.complement, "complement", feed.OutcomeNo, "Label quoted at 1-p, empty to omit (source=history)")
	fl.DurationVar(&f.fidelity, "fidelity", 0, "History resolution (default history.fidelity)")

	fl.IntVar(&f.steps, "steps", 500, "Snapshots to generate (source=synthetic)")
	fl.DurationVar(&f.step, "step", time.Hour, "Spacing between synthetic snapshots")
	fl.Int64Var(&f.seed, "seed", 1, "Random seed (source=synthetic)")
	fl.Float64Var(&f.liquidity, "liquidity", 100, "LMSR liquidity parameter (source=synthetic)")
	fl.Float64Var(&f.maxTrade, "max-trade", 10, "Largest simulated order per step (source=synthetic)")
	fl.Float64Var(&f.spread, "spread", 0, "Synthetic top-of-book spread, 0 for none")
}

// open returns a lazily evaluated feed for one run, plus a cleanup func.
func (f *sourceFlags) open(ctx context.Context) (feed.Feed, func(), error) {
	noop := func() {}
	from, to, err := f.bounds()
	if err != nil {
		return nil, noop, err
	}

	var fd feed.Feed
	cleanup := noop
	switch f.source {
	case sourceCSV:
		if f.input == "" {
			return nil, noop, errors.New("--input is required for source=csv")
		}
		cf, err := feed.OpenCSV(f.input)
		if err != nil {
			return nil, noop, err
		}
		fd, cleanup = cf, func() { cf.Close() }

	case sourceStore:
		if f.instrument == "" {
			return nil, noop, errors.New("--instrument is required for source=store")
		}
		st, closeStore, err := openStore(ctx)
		if err != nil {
			return nil, noop, err
		}
		fd, cleanup = feed.NewStoreFeed(st, f.instrument, from, to), closeStore

	case sourceHistory:
		inst, err := instrument.ParseToken(f.token)
		if err != nil {
			return nil, noop, fmt.Errorf("--token: %w", err)
		}
		if from.IsZero() || to.IsZero() {
			return nil, noop, errors.New("--from and --to are required for source=history")
		}
		id := f.instrument
		if id == "" {
			id = inst.ID
		}
		fidelity := f.fidelity
		if fidelity <= 0 {
			fidelity = cfg.History.Fidelity
		}
		client := feed.NewCLOBClient(cfg.CLOBClient())
		fd = feed.NewHistoryFeed(client, feed.HistoryConfig{
			InstrumentID: id,
			TokenID:      inst.ID,
			Outcome:      f.outcome,
			Complement:   f.complement,
			Start:        from,
			End:          to,
			Fidelity:     fidelity,
			Timeout:      cfg.History.Timeout,
		})

	case sourceSynthetic:
		id := f.instrument
		if id == "" {
			id = fmt.Sprintf("synthetic-%d", f.seed)
		}
		start := from
		if start.IsZero() {
			start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		}
		sf, err := feed.NewSyntheticFeed(feed.SyntheticConfig{
			InstrumentID: id,
			Start:        start,
			Step:         f.step,
			Steps:        f.steps,
			Seed:         f.seed,
			Liquidity:    decimal.NewFromFloat(f.liquidity),
			MaxTrade:     decimal.NewFromFloat(f.maxTrade),
			Spread:       decimal.NewFromFloat(f.spread),
		})
		if err != nil {
			return nil, noop, err
		}
		fd = sf

	default:
		return nil, noop, fmt.Errorf("unknown source %q (want csv, store, history or synthetic)", f.source)
	}

	if cfg.Backtest.MaxGap > 0 {
		fd = feed.NewGapGuard(fd, cfg.Backtest.MaxGap, cfg.GapPolicy(), logger)
	}
	return fd, cleanup, nil
}

// materialize reads the whole source once so a sweep can replay it for every
// combination without touching the file, database or API again.
func (f *sourceFlags) materialize(ctx context.Context) (*feed.SliceFeed, error) {
	src, cleanup, err := f.open(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	snaps, err := feed.Collect(ctx, src)
	if err != nil {
		return nil, err
	}
	return feed.NewSliceFeed(snaps)
}

func (f *sourceFlags) bounds() (from, to time.Time, err error) {
	if f.from != "" {
		if from, err = feed.ParseTimestamp(f.from); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
		}
	}
	if f.to != "" {
		if to, err = feed.ParseTimestamp(f.to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
		}
	}
	return from, to, nil
}

// openStore connects to PostgreSQL using database.url.
func openStore(ctx context.Context) (*store.PostgresStore, func(), error) {
	if cfg.Database.URL == "" {
		return nil, nil, errors.New("database.url is not configured (set BACKTEST_DATABASE_URL)")
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pg, pool.Close, nil
}

// parseParams turns repeated key=value flags into strategy params. Values stay
// strings; strategies convert them to the type they need.
func parseParams(pairs []string) (strategy.Params, error) {
	p := strategy.Params{}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q (want key=value)", kv)
		}
		p[k] = strings.TrimSpace(v)
	}
	return p, nil
}
