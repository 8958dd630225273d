package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/indicator"
	"github.com/atmx/backtest-engine/internal/model"
)

var (
	errPeriod = errors.New("period must be at least 1")
	errLevels = errors.New("need 0 < oversold < exit_level < overbought < 100")
)

func init() {
	register(Info{
		Name:        "ema_crossover",
		Description: "Enters when the price crosses its exponential moving average.",
		Defaults: map[string]any{
			"outcome":     "Yes",
			"period":      20,
			"size":        0.2,
			"allow_short": false,
		},
	}, newEMACrossover)

	register(Info{
		Name:        "rsi_reversal",
		Description: "Buys when RSI recovers from oversold, exits at the neutral level.",
		Defaults: map[string]any{
			"outcome":     "Yes",
			"period":      14,
			"oversold":    30.0,
			"overbought":  70.0,
			"exit_level":  50.0,
			"size":        0.2,
			"allow_short": false,
		},
	}, newRSIReversal)
}

// EMACrossover buys when the price crosses above its EMA and sells when it
// crosses below. A cross against an open position closes it; shorts are only
// opened when AllowShort is set.
type EMACrossover struct {
	Outcome    string
	Size       decimal.Decimal
	AllowShort bool

	ema      *indicator.EMA
	prevDiff float64
	primed   bool
}

func newEMACrossover(p Params) (Strategy, error) {
	r := reader{p: p}
	period := r.int("period", 20)
	s := &EMACrossover{
		Outcome:    p.Text("outcome", "Yes"),
		Size:       r.decimal("size", decimal.NewFromFloat(0.2)),
		AllowShort: r.bool("allow_short", false),
	}
	if r.err != nil {
		return nil, r.err
	}
	if period < 1 {
		return nil, errPeriod
	}
	if !s.Size.IsPositive() {
		return nil, errSize
	}
	s.ema = indicator.NewEMA(period)
	return s, nil
}

func (s *EMACrossover) Name() string { return "ema_crossover" }

func (s *EMACrossover) Evaluate(snap model.MarketSnapshot, open *model.Position) (*model.Signal, error) {
	p, ok := snap.Price(s.Outcome)
	if !ok {
		return nil, nil
	}
	price := p.InexactFloat64()
	avg, ready := s.ema.Update(price)
	if !ready {
		return nil, nil
	}
	diff := price - avg
	prev, primed := s.prevDiff, s.primed
	s.prevDiff, s.primed = diff, true
	if !primed {
		return nil, nil
	}

	crossedUp := prev <= 0 && diff > 0
	crossedDown := prev >= 0 && diff < 0
	reason := fmt.Sprintf("%s %.4f crossed EMA %.4f", s.Outcome, price, avg)

	switch {
	case crossedUp && holding(open, s.Outcome, model.SideShort):
		return closeSignal(open, reason), nil
	case crossedUp && open == nil:
		return signal(model.ActionBuy, s.Outcome, s.Size, 1, reason), nil
	case crossedDown && holding(open, s.Outcome, model.SideLong):
		return closeSignal(open, reason), nil
	case crossedDown && open == nil && s.AllowShort:
		return signal(model.ActionSell, s.Outcome, s.Size, 1, reason), nil
	}
	return nil, nil
}

// RSIReversal buys when RSI climbs back above Oversold and closes the long
// once RSI reaches ExitLevel. With AllowShort it mirrors this from Overbought.
type RSIReversal struct {
	Outcome    string
	Oversold   float64
	Overbought float64
	ExitLevel  float64
	Size       decimal.Decimal
	AllowShort bool

	rsi     *indicator.RSI
	prevRSI float64
	primed  bool
}

func newRSIReversal(p Params) (Strategy, error) {
	r := reader{p: p}
	period := r.int("period", 14)
	s := &RSIReversal{
		Outcome:    p.Text("outcome", "Yes"),
		Oversold:   r.float("oversold", 30),
		Overbought: r.float("overbought", 70),
		ExitLevel:  r.float("exit_level", 50),
		Size:       r.decimal("size", decimal.NewFromFloat(0.2)),
		AllowShort: r.bool("allow_short", false),
	}
	if r.err != nil {
		return nil, r.err
	}
	if period < 1 {
		return nil, errPeriod
	}
	if !(0 < s.Oversold && s.Oversold < s.ExitLevel && s.ExitLevel < s.Overbought && s.Overbought < 100) {
		return nil, errLevels
	}
	if !s.Size.IsPositive() {
		return nil, errSize
	}
	s.rsi = indicator.NewRSI(period)
	return s, nil
}

func (s *RSIReversal) Name() string { return "rsi_reversal" }

func (s *RSIReversal) Evaluate(snap model.MarketSnapshot, open *model.Position) (*model.Signal, error) {
	p, ok := snap.Price(s.Outcome)
	if !ok {
		return nil, nil
	}
	rsi, ready := s.rsi.Update(p.InexactFloat64())
	if !ready {
		return nil, nil
	}
	prev, primed := s.prevRSI, s.primed
	s.prevRSI, s.primed = rsi, true

	switch {
	case holding(open, s.Outcome, model.SideLong) && rsi >= s.ExitLevel:
		return closeSignal(open, fmt.Sprintf("RSI %.1f reached %.1f", rsi, s.ExitLevel)), nil
	case holding(open, s.Outcome, model.SideShort) && rsi <= s.ExitLevel:
		return closeSignal(open, fmt.Sprintf("RSI %.1f fell to %.1f", rsi, s.ExitLevel)), nil
	case !primed || open != nil:
		return nil, nil
	case prev < s.Oversold && rsi >= s.Oversold:
		return signal(model.ActionBuy, s.Outcome, s.Size, 1,
			fmt.Sprintf("RSI %.1f recovered above %.1f", rsi, s.Oversold)), nil
	case s.AllowShort && prev > s.Overbought && rsi <= s.Overbought:
		return signal(model.ActionSell, s.Outcome, s.Size, 1,
			fmt.Sprintf("RSI %.1f fell back below %.1f", rsi, s.Overbought)), nil
	}
	return nil, nil
}
