// Package strategy defines the Strategy capability and its variants.
//
// A Strategy sees one snapshot at a time together with a copy of the open
// position and may return a Signal. Rolling state (moving averages, peaks)
// lives in private fields, so every run needs its own instance: build one
// per run with New and never share it between concurrent runs.
package strategy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// ErrUnknownStrategy is returned by New for unregistered names.
var ErrUnknownStrategy = errors.New("strategy: unknown strategy")

// Strategy turns snapshots into trade signals.
type Strategy interface {
	Name() string
	// Evaluate returns nil when no action is wanted. Missing prices and
	// warmup are never errors.
	Evaluate(snap model.MarketSnapshot, open *model.Position) (*model.Signal, error)
}

// Info describes a registered strategy and its default parameters.
type Info struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Defaults    map[string]any `json:"defaults"`
}

type factory struct {
	info  Info
	build func(Params) (Strategy, error)
}

var registry = map[string]factory{}

func register(info Info, build func(Params) (Strategy, error)) {
	registry[info.Name] = factory{info: info, build: build}
}

// New builds a fresh strategy instance. Params override the defaults.
// The risk keys stop_loss, take_profit, trailing_stop and max_hold wrap it in
// a RiskGuard; min_confidence wraps the result in a ConfidenceFilter.
func New(name string, params Params) (Strategy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	merged := Params{}
	for k, v := range f.info.Defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	s, err := f.build(merged)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	risk, err := riskLimitsFrom(merged)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if risk.active() {
		s = NewRiskGuard(s, risk)
	}

	minConf, err := merged.Float("min_confidence", 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if minConf > 0 {
		s = NewConfidenceFilter(s, minConf)
	}
	return s, nil
}

// Registered lists every strategy, sorted by name.
func Registered() []Info {
	out := make([]Info, 0, len(registry))
	for _, f := range registry {
		out = append(out, f.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// signal builds a Signal on target with the given reason.
func signal(action model.Action, target string, size decimal.Decimal, confidence float64, reason string) *model.Signal {
	return &model.Signal{
		Action:       action,
		TargetID:     target,
		SizeFraction: size,
		Confidence:   confidence,
		Reason:       reason,
	}
}

// closeSignal requests closing the whole open position.
func closeSignal(open *model.Position, reason string) *model.Signal {
	action := model.ActionSell
	if open.Side == model.SideShort {
		action = model.ActionBuy
	}
	return signal(action, open.TargetID, decimal.NewFromInt(1), 1, reason)
}

// holding reports whether open is a position on target with the given side.
func holding(open *model.Position, target string, side model.Side) bool {
	return open != nil && open.TargetID == target && open.Side == side
}
