// Package model defines the core domain types shared across the backtester.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrPriceOutOfRange is returned when an outcome price lies outside [0, 1].
	ErrPriceOutOfRange = errors.New("model: outcome price outside [0, 1]")

	// ErrMissingTimestamp is returned for snapshots without a timestamp.
	ErrMissingTimestamp = errors.New("model: snapshot has no timestamp")
)

// Action is the trade direction requested by a Signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side is the direction of an open Position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opens returns the position side a FLAT ledger takes when this action is applied.
func (a Action) Opens() (Side, bool) {
	switch a {
	case ActionBuy:
		return SideLong, true
	case ActionSell:
		return SideShort, true
	}
	return "", false
}

// Closes reports whether the action closes a position held on side s.
func (a Action) Closes(s Side) bool {
	return (s == SideLong && a == ActionSell) || (s == SideShort && a == ActionBuy)
}

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Orderbook is the optional top-of-book summary attached to a snapshot.
// It quotes a single outcome; a book without one is not tied to any price.
type Orderbook struct {
	Outcome string          `json:"outcome,omitempty"`
	BestBid decimal.Decimal `json:"best_bid"`
	BestAsk decimal.Decimal `json:"best_ask"`
	Bids    []PriceLevel    `json:"bids,omitempty"`
	Asks    []PriceLevel    `json:"asks,omitempty"`
}

// MarketSnapshot is one timestamped observation of an instrument.
// Snapshots are immutable once produced by a feed.
type MarketSnapshot struct {
	Timestamp    time.Time                  `json:"timestamp"`
	InstrumentID string                     `json:"instrument_id"`
	Prices       map[string]decimal.Decimal `json:"prices"` // outcome label → probability
	Orderbook    *Orderbook                 `json:"orderbook,omitempty"`
}

// Price returns the probability quoted for an outcome.
func (s MarketSnapshot) Price(outcome string) (decimal.Decimal, bool) {
	p, ok := s.Prices[outcome]
	return p, ok
}

// Validate checks the snapshot invariants: a timestamp is present and every
// outcome price lies in [0, 1]. Complementary prices need not sum to 1.
func (s MarketSnapshot) Validate() error {
	if s.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	one := decimal.NewFromInt(1)
	for outcome, p := range s.Prices {
		if p.IsNegative() || p.GreaterThan(one) {
			return fmt.Errorf("%w: %s=%s", ErrPriceOutOfRange, outcome, p)
		}
	}
	return nil
}

// Signal is a strategy's requested action for one snapshot.
// Reason and Metadata are diagnostics only.
type Signal struct {
	Action       Action          `json:"action"`
	TargetID     string          `json:"target_id"`
	SizeFraction decimal.Decimal `json:"size_fraction"` // fraction of current equity, (0, 1]
	Confidence   float64         `json:"confidence"`    // [0, 1], filtered by callers
	Reason       string          `json:"reason,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// Position is one open exposure. Owned by the ledger; strategies see copies.
type Position struct {
	TargetID   string          `json:"target_id"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Size       decimal.Decimal `json:"size"`       // contracts
	Collateral decimal.Decimal `json:"collateral"` // worst-case loss locked at open
	OpenedAt   time.Time       `json:"opened_at"`
}

// PnLAt returns the unrealized P&L of the position marked at price.
func (p Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Size)
}

// Trade close reasons.
const (
	CloseSignal   = "signal"
	CloseEndOfRun = "end_of_run"
)

// Trade is an immutable record of a closed position.
type Trade struct {
	TargetID   string          `json:"target_id"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Size       decimal.Decimal `json:"size"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	PnL        decimal.Decimal `json:"pnl"`     // gross realized
	Fees       decimal.Decimal `json:"fees"`    // entry + exit
	NetPnL     decimal.Decimal `json:"net_pnl"` // pnl - fees
	ReturnPct  decimal.Decimal `json:"return_pct"`
	Reason     string          `json:"reason"`
}

// EquityPoint is one sample of the equity curve, recorded per snapshot.
type EquityPoint struct {
	Timestamp     time.Time       `json:"timestamp"`
	Equity        decimal.Decimal `json:"equity"`
	Balance       decimal.Decimal `json:"balance"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	InPosition    bool            `json:"in_position"`
}

// BacktestResult is everything a completed run produced.
type BacktestResult struct {
	RunID              string          `json:"run_id"`
	Strategy           string          `json:"strategy"`
	InstrumentID       string          `json:"instrument_id"`
	Trades             []Trade         `json:"trades"`
	EquityCurve        []EquityPoint   `json:"equity_curve"`
	InitialBalance     decimal.Decimal `json:"initial_balance"`
	FinalBalance       decimal.Decimal `json:"final_balance"`
	Start              time.Time       `json:"start"`
	End                time.Time       `json:"end"`
	SnapshotsProcessed int             `json:"snapshots_processed"`
	SignalsApplied     int             `json:"signals_applied"`
	SignalsRejected    int             `json:"signals_rejected"`
}

// FinalEquity is the account value after end-of-run liquidation. With no
// position left open it equals the final cash balance.
func (r *BacktestResult) FinalEquity() decimal.Decimal {
	return r.FinalBalance
}
