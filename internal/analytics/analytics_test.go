package analytics

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func curve(step time.Duration, equities ...float64) []model.EquityPoint {
	out := make([]model.EquityPoint, len(equities))
	for i, e := range equities {
		out[i] = model.EquityPoint{Timestamp: t0.Add(time.Duration(i) * step), Equity: d(e), Balance: d(e)}
	}
	return out
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSummarize_LiquidatedLong(t *testing.T) {
	res := &model.BacktestResult{
		InitialBalance: d(1000),
		FinalBalance:   d(1375),
		Trades: []model.Trade{{
			TargetID: "Yes", Side: model.SideLong,
			EntryPrice: d(0.4), ExitPrice: d(0.7), Size: d(1250),
			PnL: d(375), NetPnL: d(375), Reason: model.CloseEndOfRun,
		}},
		EquityCurve: curve(24*time.Hour, 1000, 1375, 1375),
	}
	res.EquityCurve[0].InPosition = true
	res.EquityCurve[1].InPosition = true

	m := Summarize(res)
	if !near(m.TotalReturn, 0.375) {
		t.Errorf("expected total return 0.375, got %f", m.TotalReturn)
	}
	if m.TotalTrades != 1 || m.WinningTrades != 1 || m.WinRate != 1 {
		t.Errorf("trade counts: %+v", m)
	}
	if !math.IsInf(float64(m.ProfitFactor), 1) {
		t.Errorf("gains without losses should give +Inf profit factor, got %v", m.ProfitFactor)
	}
	if m.MaxDrawdown != 0 {
		t.Errorf("monotone curve has no drawdown, got %f", m.MaxDrawdown)
	}
	if !m.Expectancy.Equal(d(375)) {
		t.Errorf("expected expectancy 375, got %s", m.Expectancy)
	}
	if m.PeriodsPerYear != 365 {
		t.Errorf("daily samples should annualize by 365, got %f", m.PeriodsPerYear)
	}
	if !near(m.Exposure, 2.0/3.0) {
		t.Errorf("expected exposure 2/3, got %f", m.Exposure)
	}
}

func TestSummarize_NoTrades(t *testing.T) {
	res := &model.BacktestResult{
		InitialBalance: d(1000),
		FinalBalance:   d(1000),
		EquityCurve:    curve(time.Hour, 1000, 1000, 1000, 1000),
	}
	m := Summarize(res)
	if m.TotalTrades != 0 || m.WinRate != 0 {
		t.Errorf("expected zero trades and win rate, got %d %f", m.TotalTrades, m.WinRate)
	}
	if m.ProfitFactor != 0 {
		t.Errorf("expected profit factor 0, got %v", m.ProfitFactor)
	}
	if m.SharpeRatio != 0 || m.SortinoRatio != 0 {
		t.Errorf("flat curve should have zero ratios, got %f %f", m.SharpeRatio, m.SortinoRatio)
	}
	if m.TotalReturn != 0 || m.MaxDrawdown != 0 {
		t.Errorf("unexpected return/drawdown: %f %f", m.TotalReturn, m.MaxDrawdown)
	}
}

func TestSummarize_EmptyResult(t *testing.T) {
	m := Summarize(&model.BacktestResult{InitialBalance: d(1000), FinalBalance: d(1000)})
	if m.PeriodsPerYear != DefaultPeriodsPerYear || m.Exposure != 0 || m.SharpeRatio != 0 {
		t.Errorf("unexpected metrics for empty run: %+v", m)
	}
}

func TestSummarize_MixedTrades(t *testing.T) {
	res := &model.BacktestResult{
		InitialBalance: d(1000),
		FinalBalance:   d(1050),
		Trades: []model.Trade{
			{NetPnL: d(100)},
			{NetPnL: d(-50)},
			{NetPnL: d(30)},
			{NetPnL: d(-30)},
		},
		EquityCurve: curve(time.Hour, 1000, 1100, 1050, 1080, 1050),
	}
	m := Summarize(res)

	if m.WinningTrades != 2 || m.LosingTrades != 2 || m.WinRate != 0.5 {
		t.Errorf("counts: %d wins %d losses rate %f", m.WinningTrades, m.LosingTrades, m.WinRate)
	}
	if !m.TotalGains.Equal(d(130)) || !m.TotalLosses.Equal(d(80)) || !m.NetProfit.Equal(d(50)) {
		t.Errorf("gains %s losses %s net %s", m.TotalGains, m.TotalLosses, m.NetProfit)
	}
	if !near(float64(m.ProfitFactor), 1.625) {
		t.Errorf("expected profit factor 1.625, got %v", m.ProfitFactor)
	}
	if !m.AverageWin.Equal(d(65)) || !m.AverageLoss.Equal(d(40)) {
		t.Errorf("averages: %s %s", m.AverageWin, m.AverageLoss)
	}
	// 0.5 × 65 − 0.5 × 40
	if !m.Expectancy.Equal(d(12.5)) {
		t.Errorf("expected expectancy 12.5, got %s", m.Expectancy)
	}
	// Peak 1100, trough 1050.
	if !near(m.MaxDrawdown, 50.0/1100.0) {
		t.Errorf("expected drawdown %f, got %f", 50.0/1100.0, m.MaxDrawdown)
	}
	if m.MaxDrawdownDuration != 3 {
		t.Errorf("expected drawdown duration 3, got %d", m.MaxDrawdownDuration)
	}
	if !near(m.CalmarRatio, m.TotalReturn/m.MaxDrawdown) {
		t.Errorf("calmar %f", m.CalmarRatio)
	}
	if !near(m.PeriodsPerYear, 365*24) {
		t.Errorf("hourly samples should annualize by 8760, got %f", m.PeriodsPerYear)
	}
	if m.SharpeRatio <= 0 {
		t.Errorf("positive mean return should give positive sharpe, got %f", m.SharpeRatio)
	}
	if m.SortinoRatio <= 0 {
		t.Errorf("expected positive sortino, got %f", m.SortinoRatio)
	}
}

func TestSummarize_DoesNotMutate(t *testing.T) {
	res := &model.BacktestResult{
		InitialBalance: d(1000),
		FinalBalance:   d(900),
		Trades:         []model.Trade{{NetPnL: d(-100)}},
		EquityCurve:    curve(time.Minute, 1000, 950, 900),
	}
	before, _ := json.Marshal(res)
	a := Summarize(res)
	b := Summarize(res)
	after, _ := json.Marshal(res)

	if string(before) != string(after) {
		t.Error("Summarize mutated its input")
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Errorf("Summarize is not idempotent:\n%s\n%s", ja, jb)
	}
	if a.ProfitFactor != 0 {
		t.Errorf("losses without gains should give profit factor 0, got %v", a.ProfitFactor)
	}
	if a.MaxDrawdown <= 0 || a.TotalReturn >= 0 {
		t.Errorf("expected a loss with drawdown, got %+v", a)
	}
}

func TestSharpe(t *testing.T) {
	if got := Sharpe([]float64{0.01}, 365); got != 0 {
		t.Errorf("single return should give 0, got %f", got)
	}
	if got := Sharpe([]float64{0.01, 0.01, 0.01}, 365); got != 0 {
		t.Errorf("zero variance should give 0, got %f", got)
	}
	// mean 0.01, population std 0.01.
	if got := Sharpe([]float64{0.0, 0.02}, 4); !near(got, 2) {
		t.Errorf("expected 2, got %f", got)
	}
}

func TestSharpe_ConstantReturnsWithRoundingResidue(t *testing.T) {
	for _, r := range []float64{0.1, 0.3, 1.0 / 3, 0.07} {
		returns := []float64{r, r, r, r, r, r, r}
		if got := Sharpe(returns, 365); got != 0 {
			t.Errorf("constant return %v should give 0, got %g", r, got)
		}
	}
	if got := Sortino([]float64{0.02, -0.1, -0.1, -0.1}, 365); got != 0 {
		t.Errorf("constant downside should give 0, got %g", got)
	}
	// Small but real dispersion still counts.
	if got := Sharpe([]float64{0.01, 0.0100001}, 365); got <= 0 {
		t.Errorf("expected positive sharpe for a tiny real spread, got %g", got)
	}
}

func TestDrawdown(t *testing.T) {
	tests := []struct {
		name     string
		equity   []float64
		dd       float64
		duration int
	}{
		{"empty", nil, 0, 0},
		{"rising", []float64{1, 2, 3}, 0, 0},
		{"single dip", []float64{100, 80, 120}, 0.2, 1},
		{"deeper later", []float64{100, 90, 100, 200, 100}, 0.5, 1},
		{"long underwater", []float64{100, 99, 98, 97, 101}, 0.03, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dd, dur := Drawdown(tt.equity)
			if !near(dd, tt.dd) || dur != tt.duration {
				t.Errorf("expected (%f, %d), got (%f, %d)", tt.dd, tt.duration, dd, dur)
			}
			if dd < 0 {
				t.Error("drawdown must be non-negative")
			}
		})
	}
}

func TestPeriodsPerYear_Median(t *testing.T) {
	pts := curve(time.Hour, 1, 1, 1, 1)
	// One outlier gap does not move the median.
	pts[3].Timestamp = pts[2].Timestamp.Add(30 * 24 * time.Hour)
	if got := PeriodsPerYear(pts); !near(got, 365*24) {
		t.Errorf("expected 8760, got %f", got)
	}

	same := curve(0, 1, 1, 1)
	if got := PeriodsPerYear(same); got != DefaultPeriodsPerYear {
		t.Errorf("identical timestamps should fall back to default, got %f", got)
	}
}

func TestProfitFactor(t *testing.T) {
	if pf := ProfitFactor(d(30), d(-10)); !near(float64(pf), 3) {
		t.Errorf("negative losses should be taken as absolute, got %v", pf)
	}
}
