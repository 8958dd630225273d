package lmsr

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNewMarketMaker_InvalidB(t *testing.T) {
	for _, b := range []float64{0, -50} {
		if _, err := NewMarketMaker(d(b)); err != ErrInvalidLiquidity {
			t.Errorf("expected ErrInvalidLiquidity for b=%v, got %v", b, err)
		}
	}
}

func TestPrice_InitiallyFiftyFifty(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	if price := mm.Price(d(0), d(0)); !price.Equal(d(0.5)) {
		t.Errorf("expected initial price 0.5, got %s", price)
	}
}

func TestPrice_SumsToOne(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	one := decimal.NewFromInt(1)
	tolerance := d(0.0000001)

	tests := []struct {
		qYes, qNo float64
	}{
		{0, 0},
		{10, 0},
		{0, 10},
		{100, 200},
		{-50, 30},
	}
	for _, tt := range tests {
		sum := mm.Price(d(tt.qYes), d(tt.qNo)).Add(mm.PriceNo(d(tt.qYes), d(tt.qNo)))
		if sum.Sub(one).Abs().GreaterThan(tolerance) {
			t.Errorf("prices should sum to 1, got %s (q=%.0f,%.0f)", sum, tt.qYes, tt.qNo)
		}
	}
}

func TestTradeCost_PathIndependence(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	tolerance := d(0.0000001)

	sequential := mm.TradeCost(d(0), d(0), d(10)).Add(mm.TradeCost(d(10), d(0), d(5)))
	direct := mm.TradeCost(d(0), d(0), d(15))

	if sequential.Sub(direct).Abs().GreaterThan(tolerance) {
		t.Errorf("LMSR should be path-independent: sequential=%s direct=%s", sequential, direct)
	}
}

func TestPrice_ClampedToBounds(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))

	if price := mm.Price(d(100000), d(0)); !price.Equal(MaxPrice) {
		t.Errorf("expected price clamped to %s, got %s", MaxPrice, price)
	}
	if price := mm.Price(d(0), d(100000)); !price.Equal(MinPrice) {
		t.Errorf("expected price clamped to %s, got %s", MinPrice, price)
	}
}

func TestValidateQuantities(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))

	if err := mm.ValidateQuantities(d(100000), d(0)); err != ErrPriceBoundExceeded {
		t.Errorf("expected ErrPriceBoundExceeded, got %v", err)
	}
	if err := mm.ValidateQuantities(d(10), d(0)); err != nil {
		t.Errorf("moderate quantities should be accepted, got %v", err)
	}
}

func TestBook_ExecuteMovesPrice(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	book := NewBook(mm)

	cost, err := book.Execute(true, d(20))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cost.IsPositive() {
		t.Errorf("buying YES should cost a positive amount, got %s", cost)
	}
	yes, no := book.Prices()
	if yes.LessThanOrEqual(d(0.5)) {
		t.Errorf("YES price should rise above 0.5, got %s", yes)
	}
	if no.GreaterThanOrEqual(d(0.5)) {
		t.Errorf("NO price should fall below 0.5, got %s", no)
	}
}

func TestBook_RejectedTradeLeavesStateUnchanged(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	book := NewBook(mm)

	if _, err := book.Execute(false, d(100000)); err != ErrPriceBoundExceeded {
		t.Fatalf("expected ErrPriceBoundExceeded, got %v", err)
	}
	if !book.QYes.IsZero() || !book.QNo.IsZero() {
		t.Errorf("book should be unchanged, got qYes=%s qNo=%s", book.QYes, book.QNo)
	}
}

func TestLogSumExp_NoOverflow(t *testing.T) {
	result := logSumExp([]float64{1000, 1001})
	if math.IsNaN(result) || math.IsInf(result, 1) {
		t.Errorf("logSumExp should not overflow: got %f", result)
	}
	if result < 1000 || result > 1002 {
		t.Errorf("logSumExp(1000,1001) should be in [1000,1002], got %f", result)
	}
}

func TestLogSumExp_Empty(t *testing.T) {
	if result := logSumExp(nil); !math.IsInf(result, -1) {
		t.Errorf("expected -Inf for empty input, got %f", result)
	}
}
