package strategy

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

var (
	errThreshold = errors.New("threshold must be in (0, 0.5)")
	errSize      = errors.New("size must be positive")
	errBand      = errors.New("entry_below must be below exit_above")
)

var half = decimal.NewFromFloat(0.5)

func init() {
	register(Info{
		Name:        "simple_probability",
		Description: "Buys an outcome priced far below 0.5 and sells it once priced far above 0.5.",
		Defaults: map[string]any{
			"outcome":        "Yes",
			"threshold":      0.15,
			"size":           0.2,
			"min_confidence": 0.7,
		},
	}, newSimpleProbability)

	register(Info{
		Name:        "threshold",
		Description: "Buys below a fixed price and sells above another.",
		Defaults: map[string]any{
			"outcome":     "Yes",
			"entry_below": 0.4,
			"exit_above":  0.6,
			"size":        0.5,
		},
	}, newThreshold)

	register(Info{
		Name:        "hold",
		Description: "Never trades. Baseline for comparisons.",
		Defaults:    map[string]any{},
	}, func(Params) (Strategy, error) { return Hold{}, nil })
}

// SimpleProbability treats 0.5 as fair value. An outcome priced more than
// Threshold below it is bought; once priced more than Threshold above it,
// a held position is sold. It never opens shorts.
type SimpleProbability struct {
	Outcome   string
	Threshold decimal.Decimal
	Size      decimal.Decimal
}

func newSimpleProbability(p Params) (Strategy, error) {
	r := reader{p: p}
	s := &SimpleProbability{
		Outcome:   p.Text("outcome", "Yes"),
		Threshold: r.decimal("threshold", decimal.NewFromFloat(0.15)),
		Size:      r.decimal("size", decimal.NewFromFloat(0.2)),
	}
	if r.err != nil {
		return nil, r.err
	}
	if !s.Threshold.IsPositive() || s.Threshold.GreaterThanOrEqual(half) {
		return nil, errThreshold
	}
	if !s.Size.IsPositive() {
		return nil, errSize
	}
	return s, nil
}

func (s *SimpleProbability) Name() string { return "simple_probability" }

func (s *SimpleProbability) Evaluate(snap model.MarketSnapshot, open *model.Position) (*model.Signal, error) {
	price, ok := snap.Price(s.Outcome)
	if !ok {
		return nil, nil
	}

	deviation := price.Sub(half).Abs()
	if deviation.LessThan(s.Threshold) {
		return nil, nil
	}
	confidence := math.Min(1, deviation.Div(s.Threshold).InexactFloat64())

	switch {
	case price.LessThan(half.Sub(s.Threshold)) && open == nil:
		sig := signal(model.ActionBuy, s.Outcome, s.Size, confidence,
			fmt.Sprintf("%s at %s is undervalued (deviation %s)", s.Outcome, price, deviation))
		sig.Metadata = map[string]any{"price": price.InexactFloat64(), "deviation": deviation.InexactFloat64()}
		return sig, nil

	case price.GreaterThan(half.Add(s.Threshold)) && holding(open, s.Outcome, model.SideLong):
		sig := closeSignal(open, fmt.Sprintf("%s at %s is overvalued (deviation %s)", s.Outcome, price, deviation))
		sig.Confidence = confidence
		sig.Metadata = map[string]any{"price": price.InexactFloat64(), "deviation": deviation.InexactFloat64()}
		return sig, nil
	}
	return nil, nil
}

// Threshold buys when the outcome trades below EntryBelow and sells a held
// position when it trades above ExitAbove.
type Threshold struct {
	Outcome    string
	EntryBelow decimal.Decimal
	ExitAbove  decimal.Decimal
	Size       decimal.Decimal
}

func newThreshold(p Params) (Strategy, error) {
	r := reader{p: p}
	s := &Threshold{
		Outcome:    p.Text("outcome", "Yes"),
		EntryBelow: r.decimal("entry_below", decimal.NewFromFloat(0.4)),
		ExitAbove:  r.decimal("exit_above", decimal.NewFromFloat(0.6)),
		Size:       r.decimal("size", half),
	}
	if r.err != nil {
		return nil, r.err
	}
	if !s.EntryBelow.LessThan(s.ExitAbove) {
		return nil, errBand
	}
	if !s.Size.IsPositive() {
		return nil, errSize
	}
	return s, nil
}

func (s *Threshold) Name() string { return "threshold" }

func (s *Threshold) Evaluate(snap model.MarketSnapshot, open *model.Position) (*model.Signal, error) {
	price, ok := snap.Price(s.Outcome)
	if !ok {
		return nil, nil
	}
	switch {
	case open == nil && price.LessThan(s.EntryBelow):
		return signal(model.ActionBuy, s.Outcome, s.Size, 1,
			fmt.Sprintf("%s at %s below %s", s.Outcome, price, s.EntryBelow)), nil
	case holding(open, s.Outcome, model.SideLong) && price.GreaterThan(s.ExitAbove):
		return closeSignal(open, fmt.Sprintf("%s at %s above %s", s.Outcome, price, s.ExitAbove)), nil
	}
	return nil, nil
}

// Hold never trades.
type Hold struct{}

func (Hold) Name() string { return "hold" }

func (Hold) Evaluate(model.MarketSnapshot, *model.Position) (*model.Signal, error) {
	return nil, nil
}
