package feed

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/lmsr"
	"github.com/atmx/backtest-engine/internal/model"
)

// Outcome labels of a Polymarket binary market. Strategies look prices up
// by these exact strings.
const (
	OutcomeYes = "Yes"
	OutcomeNo  = "No"
)

// SyntheticConfig describes a reproducible simulated binary market.
type SyntheticConfig struct {
	InstrumentID string
	Start        time.Time
	Step         time.Duration
	Steps        int
	Seed         int64

	// Liquidity is the LMSR b parameter. Higher values move prices less.
	Liquidity decimal.Decimal
	// MaxTrade bounds the shares traded against the market maker per step.
	MaxTrade decimal.Decimal
	// Spread, when positive, attaches a top of book of ±Spread/2 around Yes.
	Spread decimal.Decimal
}

// SyntheticFeed generates snapshots by replaying a seeded random order flow
// against an LMSR market maker. The same config always yields the same
// sequence; it is only ever used when explicitly requested.
type SyntheticFeed struct {
	cfg  SyntheticConfig
	book *lmsr.Book
	rng  *rand.Rand
	i    int
}

// NewSyntheticFeed validates cfg and opens the market at 0.5.
func NewSyntheticFeed(cfg SyntheticConfig) (*SyntheticFeed, error) {
	if cfg.Steps < 0 {
		return nil, errors.New("feed: synthetic steps must be non-negative")
	}
	if cfg.Step <= 0 {
		return nil, errors.New("feed: synthetic step must be positive")
	}
	if cfg.Start.IsZero() {
		return nil, model.ErrMissingTimestamp
	}
	if cfg.MaxTrade.IsNegative() {
		return nil, errors.New("feed: synthetic max trade must be non-negative")
	}
	mm, err := lmsr.NewMarketMaker(cfg.Liquidity)
	if err != nil {
		return nil, err
	}
	return &SyntheticFeed{
		cfg:  cfg,
		book: lmsr.NewBook(mm),
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (f *SyntheticFeed) Next(ctx context.Context) (model.MarketSnapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.MarketSnapshot{}, false, err
	}
	if f.i >= f.cfg.Steps {
		return model.MarketSnapshot{}, false, nil
	}

	// The first snapshot shows the opening price.
	if f.i > 0 {
		f.trade()
	}

	yes, no := f.book.Prices()
	snap := model.MarketSnapshot{
		Timestamp:    f.cfg.Start.Add(time.Duration(f.i) * f.cfg.Step),
		InstrumentID: f.cfg.InstrumentID,
		Prices:       map[string]decimal.Decimal{OutcomeYes: yes, OutcomeNo: no},
	}
	if f.cfg.Spread.IsPositive() {
		half := f.cfg.Spread.Div(decimal.NewFromInt(2))
		snap.Orderbook = &model.Orderbook{
			Outcome: OutcomeYes,
			BestBid: decimal.Max(yes.Sub(half), decimal.Zero),
			BestAsk: decimal.Min(yes.Add(half), decimal.NewFromInt(1)),
		}
	}
	f.i++
	return snap, true, nil
}

// trade executes one random order. Orders the market maker rejects for
// breaching its price bounds leave the price unchanged for this step.
func (f *SyntheticFeed) trade() {
	yes := f.rng.Intn(2) == 0
	qty := f.cfg.MaxTrade.Mul(decimal.NewFromFloat(f.rng.Float64()*2 - 1)).Round(lmsr.PriceScale)
	if qty.IsZero() {
		return
	}
	_, _ = f.book.Execute(yes, qty)
}
