package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// ConfidenceFilter drops signals whose confidence is below Min.
type ConfidenceFilter struct {
	inner Strategy
	Min   float64
}

// NewConfidenceFilter wraps inner.
func NewConfidenceFilter(inner Strategy, minConfidence float64) *ConfidenceFilter {
	return &ConfidenceFilter{inner: inner, Min: minConfidence}
}

func (f *ConfidenceFilter) Name() string { return f.inner.Name() }

func (f *ConfidenceFilter) Evaluate(snap model.MarketSnapshot, open *model.Position) (*model.Signal, error) {
	sig, err := f.inner.Evaluate(snap, open)
	if err != nil || sig == nil {
		return sig, err
	}
	if sig.Confidence < f.Min {
		return nil, nil
	}
	return sig, nil
}

// RiskLimits are exit rules applied on top of a strategy. Fractions are
// relative to the entry price; zero disables a rule.
type RiskLimits struct {
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal
	TrailingStop decimal.Decimal
	MaxHold      time.Duration
}

func (r RiskLimits) active() bool {
	return r.StopLoss.IsPositive() || r.TakeProfit.IsPositive() || r.TrailingStop.IsPositive() || r.MaxHold > 0
}

func riskLimitsFrom(p Params) (RiskLimits, error) {
	r := reader{p: p}
	limits := RiskLimits{
		StopLoss:     r.decimal("stop_loss", decimal.Zero),
		TakeProfit:   r.decimal("take_profit", decimal.Zero),
		TrailingStop: r.decimal("trailing_stop", decimal.Zero),
		MaxHold:      r.duration("max_hold", 0),
	}
	if r.err != nil {
		return RiskLimits{}, r.err
	}
	if limits.StopLoss.IsNegative() || limits.TakeProfit.IsNegative() || limits.TrailingStop.IsNegative() || limits.MaxHold < 0 {
		return RiskLimits{}, errors.New("risk limits must be non-negative")
	}
	return limits, nil
}

// RiskGuard closes positions that hit a stop loss, take profit, trailing
// stop or maximum holding time. The wrapped strategy is still evaluated on
// every snapshot so its rolling state stays current.
type RiskGuard struct {
	inner  Strategy
	limits RiskLimits

	// best is the most favourable price seen for the position opened at openedAt.
	openedAt time.Time
	best     decimal.Decimal
}

// NewRiskGuard wraps inner.
func NewRiskGuard(inner Strategy, limits RiskLimits) *RiskGuard {
	return &RiskGuard{inner: inner, limits: limits}
}

func (g *RiskGuard) Name() string { return g.inner.Name() }

func (g *RiskGuard) Evaluate(snap model.MarketSnapshot, open *model.Position) (*model.Signal, error) {
	sig, err := g.inner.Evaluate(snap, open)
	if err != nil || open == nil {
		return sig, err
	}
	if exit := g.check(snap, open); exit != nil {
		return exit, nil
	}
	return sig, nil
}

func (g *RiskGuard) check(snap model.MarketSnapshot, open *model.Position) *model.Signal {
	if g.limits.MaxHold > 0 && snap.Timestamp.Sub(open.OpenedAt) >= g.limits.MaxHold {
		return closeSignal(open, fmt.Sprintf("max hold %s reached", g.limits.MaxHold))
	}

	price, ok := snap.Price(open.TargetID)
	if !ok || !open.EntryPrice.IsPositive() {
		return nil
	}

	if !g.openedAt.Equal(open.OpenedAt) {
		g.openedAt, g.best = open.OpenedAt, open.EntryPrice
	}
	long := open.Side == model.SideLong
	if (long && price.GreaterThan(g.best)) || (!long && price.LessThan(g.best)) {
		g.best = price
	}

	// Favourable move as a fraction of entry, positive when in profit.
	move := price.Sub(open.EntryPrice).Div(open.EntryPrice)
	if !long {
		move = move.Neg()
	}

	switch {
	case g.limits.StopLoss.IsPositive() && move.LessThanOrEqual(g.limits.StopLoss.Neg()):
		return closeSignal(open, fmt.Sprintf("stop loss at %s", price))
	case g.limits.TakeProfit.IsPositive() && move.GreaterThanOrEqual(g.limits.TakeProfit):
		return closeSignal(open, fmt.Sprintf("take profit at %s", price))
	case g.limits.TrailingStop.IsPositive():
		retrace := g.best.Sub(price).Div(open.EntryPrice)
		if !long {
			retrace = retrace.Neg()
		}
		if retrace.GreaterThanOrEqual(g.limits.TrailingStop) {
			return closeSignal(open, fmt.Sprintf("trailing stop at %s (best %s)", price, g.best))
		}
	}
	return nil
}
