// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary outcome markets.
//
// The backtester uses it to generate synthetic, fully reproducible markets:
// a seeded order flow is executed against the market maker and the resulting
// YES/NO prices become snapshots. Prices are probabilities, so they can be
// replayed through strategies exactly like recorded market data.
//
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrPriceBoundExceeded is returned when a trade would push prices
	// beyond the allowed bounds [MinPrice, MaxPrice].
	ErrPriceBoundExceeded = errors.New("lmsr: trade would push price beyond allowed bounds")

	// MinPrice is the lowest allowed price (probability floor).
	MinPrice = decimal.NewFromFloat(0.001)

	// MaxPrice is the highest allowed price (probability ceiling).
	MaxPrice = decimal.NewFromFloat(0.999)

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8
)

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless: market quantities are passed as arguments, not stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) with max-subtraction so exp never
// overflows float64.
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(exp(qYes / b) + exp(qNo / b))
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	lse := logSumExp([]float64{qYes.InexactFloat64() / bf, qNo.InexactFloat64() / bf})
	return decimal.NewFromFloat(bf * lse).Round(PriceScale)
}

// rawPrice is the unclamped softmax probability of YES.
func (m *MarketMaker) rawPrice(qYes, qNo decimal.Decimal) float64 {
	bf := m.b.InexactFloat64()
	yOverB := qYes.InexactFloat64() / bf
	nOverB := qNo.InexactFloat64() / bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)
	return expYes / (expYes + expNo)
}

// Price computes the instantaneous YES probability, clamped to
// [MinPrice, MaxPrice]:
//
//	p_yes = exp(qYes / b) / (exp(qYes / b) + exp(qNo / b))
func (m *MarketMaker) Price(qYes, qNo decimal.Decimal) decimal.Decimal {
	result := decimal.NewFromFloat(m.rawPrice(qYes, qNo)).Round(PriceScale)
	if result.LessThan(MinPrice) {
		return MinPrice
	}
	if result.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return result
}

// PriceNo returns the instantaneous price for the NO outcome: 1 - p_yes.
func (m *MarketMaker) PriceNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.Price(qYes, qNo))
}

// TradeCost computes the cost to change the YES quantity by deltaYes shares:
//
//	cost = C(qYes + deltaYes, qNo) - C(qYes, qNo)
//
// Negative deltaYes is a sale and yields a negative cost (payout).
func (m *MarketMaker) TradeCost(qYes, qNo, deltaYes decimal.Decimal) decimal.Decimal {
	return m.Cost(qYes.Add(deltaYes), qNo).Sub(m.Cost(qYes, qNo))
}

// ValidateQuantities checks whether the YES price implied by the given
// outstanding quantities stays inside the allowed bounds.
func (m *MarketMaker) ValidateQuantities(qYes, qNo decimal.Decimal) error {
	price := m.rawPrice(qYes, qNo)
	if price < MinPrice.InexactFloat64() || price > MaxPrice.InexactFloat64() {
		return ErrPriceBoundExceeded
	}
	return nil
}

// Book is the mutable outstanding-share state of one simulated market.
type Book struct {
	mm   *MarketMaker
	QYes decimal.Decimal
	QNo  decimal.Decimal
}

// NewBook opens a market at p_yes = 0.5.
func NewBook(mm *MarketMaker) *Book {
	return &Book{mm: mm, QYes: decimal.Zero, QNo: decimal.Zero}
}

// Execute buys (qty > 0) or sells (qty < 0) shares of one outcome and returns
// the trade cost. Trades that would breach the price bounds are rejected and
// leave the book unchanged.
func (b *Book) Execute(yes bool, qty decimal.Decimal) (decimal.Decimal, error) {
	newYes, newNo := b.QYes, b.QNo
	if yes {
		newYes = newYes.Add(qty)
	} else {
		newNo = newNo.Add(qty)
	}
	if err := b.mm.ValidateQuantities(newYes, newNo); err != nil {
		return decimal.Zero, err
	}
	cost := b.mm.Cost(newYes, newNo).Sub(b.mm.Cost(b.QYes, b.QNo))
	b.QYes, b.QNo = newYes, newNo
	return cost, nil
}

// Prices returns the current YES and NO prices.
func (b *Book) Prices() (yes, no decimal.Decimal) {
	return b.mm.Price(b.QYes, b.QNo), b.mm.PriceNo(b.QYes, b.QNo)
}
