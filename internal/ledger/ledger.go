// Package ledger tracks the cash, open position and closed trades of one
// backtest run.
//
// A ledger moves FLAT → LONG | SHORT → FLAT. Positions are fully
// collateralized: opening moves the position's worst-case loss (plus fees)
// out of cash into collateral, closing returns the collateral plus or minus
// realized P&L. A long locks size*entry, a short locks size*(1-entry), so
// equity never goes negative. Closing always closes the whole position.
//
// Every rejection is a recoverable sentinel error. The ledger never panics
// and holds no external resources.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

var (
	// ErrTargetMismatch is returned for signals on a different target than
	// the open position.
	ErrTargetMismatch = errors.New("ledger: signal target differs from open position")

	// ErrAlreadyOpen is returned for a same-direction signal while open.
	ErrAlreadyOpen = errors.New("ledger: position already open in that direction")

	// ErrInsufficientFunds is returned when cash cannot cover collateral plus fees.
	ErrInsufficientFunds = errors.New("ledger: insufficient cash for requested size")

	// ErrNoPosition is returned when closing with nothing open.
	ErrNoPosition = errors.New("ledger: no open position")

	// ErrInvalidSize is returned for non-positive size fractions.
	ErrInvalidSize = errors.New("ledger: size fraction must be positive")

	// ErrNoPrice is returned when the snapshot has no usable price for the target.
	ErrNoPrice = errors.New("ledger: no usable price for target")

	// ErrHold is returned when a HOLD signal is applied. It changes nothing.
	ErrHold = errors.New("ledger: hold signal")
)

// sizeScale is the number of decimal places kept in position sizes.
const sizeScale = 8

var (
	one        = decimal.NewFromInt(1)
	bpsDivisor = decimal.NewFromInt(10000)
	sizeStep   = decimal.New(1, -sizeScale)
)

// Config holds the ledger's account and execution settings.
type Config struct {
	InitialBalance decimal.Decimal
	// FeeBps is charged on the notional of every entry and exit.
	FeeBps decimal.Decimal
	// MaxPositionFraction caps the share of equity one position may use.
	// Zero means 1.0.
	MaxPositionFraction decimal.Decimal
	// FillAtTouch fills buys at the best ask and sells at the best bid when
	// the snapshot carries an orderbook for the traded outcome.
	FillAtTouch bool
}

// Fill describes what an applied signal did. Exactly one field is set.
type Fill struct {
	Opened *model.Position
	Closed *model.Trade
}

// Ledger is single-run state. It is not safe for concurrent use.
type Ledger struct {
	cfg      Config
	logger   *slog.Logger
	cash     decimal.Decimal
	pos      *model.Position
	entryFee decimal.Decimal
	mark     decimal.Decimal
	trades   []model.Trade
}

// New returns a FLAT ledger holding cfg.InitialBalance in cash.
func New(cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.MaxPositionFraction.IsPositive() || cfg.MaxPositionFraction.GreaterThan(one) {
		cfg.MaxPositionFraction = one
	}
	return &Ledger{cfg: cfg, logger: logger, cash: cfg.InitialBalance}
}

// Cash returns the uncommitted cash balance.
func (l *Ledger) Cash() decimal.Decimal { return l.cash }

// Position returns a copy of the open position, or nil when FLAT.
func (l *Ledger) Position() *model.Position {
	if l.pos == nil {
		return nil
	}
	p := *l.pos
	return &p
}

// Trades returns a copy of the closed trade history.
func (l *Ledger) Trades() []model.Trade {
	return append([]model.Trade(nil), l.trades...)
}

// UnrealizedPnL is the open position's P&L at the last mark.
func (l *Ledger) UnrealizedPnL() decimal.Decimal {
	if l.pos == nil {
		return decimal.Zero
	}
	return l.pos.PnLAt(l.mark)
}

// Equity is cash plus collateral plus unrealized P&L.
func (l *Ledger) Equity() decimal.Decimal {
	if l.pos == nil {
		return l.cash
	}
	return l.cash.Add(l.pos.Collateral).Add(l.UnrealizedPnL())
}

// Apply executes sig against snap.
func (l *Ledger) Apply(sig model.Signal, snap model.MarketSnapshot) (Fill, error) {
	if sig.Action == model.ActionHold {
		return Fill{}, ErrHold
	}

	if l.pos != nil {
		if sig.TargetID != l.pos.TargetID {
			l.logger.Debug("signal rejected: target mismatch",
				"held", l.pos.TargetID, "requested", sig.TargetID, "ts", snap.Timestamp)
			return Fill{}, ErrTargetMismatch
		}
		if !sig.Action.Closes(l.pos.Side) {
			return Fill{}, ErrAlreadyOpen
		}
		trade, err := l.close(snap, model.CloseSignal, false)
		if err != nil {
			return Fill{}, err
		}
		return Fill{Closed: trade}, nil
	}

	side, ok := sig.Action.Opens()
	if !ok {
		return Fill{}, fmt.Errorf("ledger: unknown action %q", sig.Action)
	}
	pos, err := l.open(side, sig, snap)
	if err != nil {
		return Fill{}, err
	}
	return Fill{Opened: pos}, nil
}

func (l *Ledger) open(side model.Side, sig model.Signal, snap model.MarketSnapshot) (*model.Position, error) {
	if !sig.SizeFraction.IsPositive() {
		return nil, ErrInvalidSize
	}
	frac := decimal.Min(sig.SizeFraction, l.cfg.MaxPositionFraction)

	price, ok := l.fillPrice(snap, sig.TargetID, side, true)
	if !ok {
		return nil, ErrNoPrice
	}

	equity := l.Equity()
	if !equity.IsPositive() {
		return nil, ErrInsufficientFunds
	}
	// A short on a $1 binary contract can lose at most 1-entry per
	// contract, so that is what it locks.
	perContract := price
	if side == model.SideShort {
		perContract = one.Sub(price)
		if !perContract.IsPositive() {
			return nil, ErrNoPrice
		}
	}
	size := sizeFor(frac.Mul(equity), perContract)
	if !size.IsPositive() {
		return nil, ErrInsufficientFunds
	}
	collateral := size.Mul(perContract)
	fee := l.fee(size.Mul(price))
	if collateral.Add(fee).GreaterThan(l.cash) {
		l.logger.Info("signal dropped: insufficient funds",
			"cash", l.cash, "collateral", collateral, "fee", fee, "ts", snap.Timestamp)
		return nil, ErrInsufficientFunds
	}

	l.cash = l.cash.Sub(collateral).Sub(fee)
	l.entryFee = fee
	l.pos = &model.Position{
		TargetID:   sig.TargetID,
		Side:       side,
		EntryPrice: price,
		Size:       size,
		Collateral: collateral,
		OpenedAt:   snap.Timestamp,
	}
	l.mark = price
	return l.Position(), nil
}

// sizeFor returns the largest contract count, in steps of sizeStep, whose
// cost at perContract does not exceed budget.
func sizeFor(budget, perContract decimal.Decimal) decimal.Decimal {
	size := budget.Div(perContract).Truncate(sizeScale)
	for size.IsPositive() && size.Mul(perContract).GreaterThan(budget) {
		size = size.Sub(sizeStep)
	}
	return size
}

// Close liquidates the open position at snap with the given reason. When
// snap has no price for the target the last mark is used.
func (l *Ledger) Close(snap model.MarketSnapshot, reason string) (*model.Trade, error) {
	if l.pos == nil {
		return nil, ErrNoPosition
	}
	return l.close(snap, reason, true)
}

func (l *Ledger) close(snap model.MarketSnapshot, reason string, fallbackToMark bool) (*model.Trade, error) {
	pos := l.pos
	exit, ok := l.fillPrice(snap, pos.TargetID, pos.Side, false)
	if !ok {
		if !fallbackToMark {
			return nil, ErrNoPrice
		}
		exit = l.mark
	}

	pnl := pos.PnLAt(exit)
	exitFee := l.fee(pos.Size.Mul(exit))
	fees := l.entryFee.Add(exitFee)
	net := pnl.Sub(fees)

	returnPct := decimal.Zero
	if pos.Collateral.IsPositive() {
		returnPct = net.Div(pos.Collateral)
	}

	exitTime := snap.Timestamp
	if exitTime.Before(pos.OpenedAt) {
		exitTime = pos.OpenedAt
	}

	trade := model.Trade{
		TargetID:   pos.TargetID,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		Size:       pos.Size,
		EntryTime:  pos.OpenedAt,
		ExitTime:   exitTime,
		PnL:        pnl,
		Fees:       fees,
		NetPnL:     net,
		ReturnPct:  returnPct,
		Reason:     reason,
	}

	l.cash = l.cash.Add(pos.Collateral).Add(pnl).Sub(exitFee)
	l.trades = append(l.trades, trade)
	l.pos = nil
	l.entryFee = decimal.Zero
	l.mark = decimal.Zero
	return &trade, nil
}

// MarkToMarket revalues the open position at snap and returns the equity
// sample for this tick. A missing target price keeps the previous mark.
func (l *Ledger) MarkToMarket(snap model.MarketSnapshot) model.EquityPoint {
	if l.pos != nil {
		if p, ok := snap.Price(l.pos.TargetID); ok {
			l.mark = p
		}
	}
	return model.EquityPoint{
		Timestamp:     snap.Timestamp,
		Equity:        l.Equity(),
		Balance:       l.cash,
		UnrealizedPnL: l.UnrealizedPnL(),
		InPosition:    l.pos != nil,
	}
}

// fillPrice picks the execution price for entering (or exiting) side.
// Entering LONG and exiting SHORT buy; the others sell.
func (l *Ledger) fillPrice(snap model.MarketSnapshot, target string, side model.Side, entering bool) (decimal.Decimal, bool) {
	if l.cfg.FillAtTouch {
		if bid, ask, ok := touch(snap, target); ok {
			price := bid
			if (side == model.SideLong) == entering {
				price = ask
			}
			if price.IsPositive() {
				return price, true
			}
		}
	}
	price, ok := snap.Price(target)
	if !ok {
		return decimal.Zero, false
	}
	// Zero is a valid exit price but cannot size an entry.
	if entering && !price.IsPositive() {
		return decimal.Zero, false
	}
	return price, true
}

// touch returns the best bid and ask for target. The book quotes one
// outcome; in a two-outcome market the other side is its mirror image.
func touch(snap model.MarketSnapshot, target string) (bid, ask decimal.Decimal, ok bool) {
	book := snap.Orderbook
	if book == nil || book.Outcome == "" {
		return decimal.Zero, decimal.Zero, false
	}
	if book.Outcome == target {
		return book.BestBid, book.BestAsk, true
	}
	_, quoted := snap.Prices[book.Outcome]
	_, other := snap.Prices[target]
	if len(snap.Prices) == 2 && quoted && other {
		return one.Sub(book.BestAsk), one.Sub(book.BestBid), true
	}
	return decimal.Zero, decimal.Zero, false
}

func (l *Ledger) fee(notional decimal.Decimal) decimal.Decimal {
	if !l.cfg.FeeBps.IsPositive() {
		return decimal.Zero
	}
	return notional.Mul(l.cfg.FeeBps).Div(bpsDivisor)
}

