// Package analytics summarizes backtest results into performance metrics.
//
// Summarize is a pure function of the result: it never mutates its input and
// returns identical output for identical input.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// DefaultPeriodsPerYear annualizes ratios when the sampling step is unknown.
const DefaultPeriodsPerYear = 365

const year = 365 * 24 * time.Hour

// Summarize computes every metric for res.
func Summarize(res *model.BacktestResult) model.Metrics {
	m := model.Metrics{
		InitialBalance: res.InitialBalance,
		FinalEquity:    res.FinalEquity(),
		TotalReturn:    TotalReturn(res.InitialBalance, res.FinalEquity()),
	}

	tradeStats(&m, res.Trades)

	equity := equitySeries(res.EquityCurve)
	returns := stepReturns(equity)
	m.PeriodsPerYear = PeriodsPerYear(res.EquityCurve)
	m.SharpeRatio = Sharpe(returns, m.PeriodsPerYear)
	m.SortinoRatio = Sortino(returns, m.PeriodsPerYear)
	m.MaxDrawdown, m.MaxDrawdownDuration = Drawdown(equity)
	if m.MaxDrawdown > 0 {
		m.CalmarRatio = m.TotalReturn / m.MaxDrawdown
	}
	m.Exposure = exposure(res.EquityCurve)
	return m
}

// TotalReturn is (final - initial) / initial, or 0 for a zero initial balance.
func TotalReturn(initial, final decimal.Decimal) float64 {
	if initial.IsZero() {
		return 0
	}
	return final.Sub(initial).Div(initial).InexactFloat64()
}

func tradeStats(m *model.Metrics, trades []model.Trade) {
	m.TotalTrades = len(trades)
	for _, t := range trades {
		switch {
		case t.NetPnL.IsPositive():
			m.WinningTrades++
			m.TotalGains = m.TotalGains.Add(t.NetPnL)
		case t.NetPnL.IsNegative():
			m.LosingTrades++
			m.TotalLosses = m.TotalLosses.Add(t.NetPnL.Abs())
		}
	}
	m.NetProfit = m.TotalGains.Sub(m.TotalLosses)
	m.ProfitFactor = ProfitFactor(m.TotalGains, m.TotalLosses)

	if m.TotalTrades == 0 {
		return
	}
	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	if m.WinningTrades > 0 {
		m.AverageWin = m.TotalGains.Div(decimal.NewFromInt(int64(m.WinningTrades)))
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = m.TotalLosses.Div(decimal.NewFromInt(int64(m.LosingTrades)))
	}
	// win_rate × avg_win − (1 − win_rate) × avg_loss
	wr := decimal.NewFromFloat(m.WinRate)
	m.Expectancy = wr.Mul(m.AverageWin).Sub(decimal.NewFromInt(1).Sub(wr).Mul(m.AverageLoss))
}

// ProfitFactor is gains / losses (losses as an absolute value). It is +Inf
// when only gains exist and 0 when both are zero.
func ProfitFactor(gains, losses decimal.Decimal) model.Ratio {
	losses = losses.Abs()
	if losses.IsZero() {
		if gains.IsPositive() {
			return model.Ratio(math.Inf(1))
		}
		return 0
	}
	return model.Ratio(gains.Div(losses).InexactFloat64())
}

func equitySeries(curve []model.EquityPoint) []float64 {
	out := make([]float64, len(curve))
	for i, p := range curve {
		out[i] = p.Equity.InexactFloat64()
	}
	return out
}

// stepReturns are simple returns between consecutive samples. Steps from a
// non-positive equity are skipped.
func stepReturns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			continue
		}
		out = append(out, (equity[i]-equity[i-1])/equity[i-1])
	}
	return out
}

// PeriodsPerYear infers the sampling frequency from the median spacing of
// the curve's timestamps. Curves too short or without spacing fall back to
// DefaultPeriodsPerYear.
func PeriodsPerYear(curve []model.EquityPoint) float64 {
	if len(curve) < 2 {
		return DefaultPeriodsPerYear
	}
	steps := make([]time.Duration, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if dt := curve[i].Timestamp.Sub(curve[i-1].Timestamp); dt > 0 {
			steps = append(steps, dt)
		}
	}
	if len(steps) == 0 {
		return DefaultPeriodsPerYear
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })
	var median time.Duration
	if n := len(steps); n%2 == 1 {
		median = steps[n/2]
	} else {
		median = (steps[n/2-1] + steps[n/2]) / 2
	}
	return float64(year) / float64(median)
}

// Sharpe is mean / population stddev of returns, annualized by
// sqrt(periodsPerYear). Zero variance or fewer than two returns give 0.
func Sharpe(returns []float64, periodsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := meanStd(returns)
	if negligible(std, mean) {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

// Sortino is like Sharpe but divides by the population stddev of the
// negative returns only. Without downside it is 0.
func Sortino(returns []float64, periodsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) == 0 {
		return 0
	}
	mean, _ := meanStd(returns)
	dmean, dstd := meanStd(downside)
	if negligible(dstd, dmean) {
		return 0
	}
	return mean / dstd * math.Sqrt(periodsPerYear)
}

// relTolerance is the deviation, relative to the mean, below which a series
// is treated as constant. Summing identical floats leaves residue near 1e-17.
const relTolerance = 1e-9

// negligible reports whether std is zero up to floating-point noise.
func negligible(std, mean float64) bool {
	if math.IsNaN(std) || std == 0 {
		return true
	}
	return std <= relTolerance*math.Abs(mean)
}

// Drawdown returns the largest peak-to-trough decline as a positive fraction
// of the peak, and the longest run of consecutive samples below a prior peak.
func Drawdown(equity []float64) (maxDD float64, maxDuration int) {
	if len(equity) == 0 {
		return 0, 0
	}
	peak := equity[0]
	run := 0
	for _, e := range equity {
		if e >= peak {
			peak = e
			run = 0
			continue
		}
		run++
		if run > maxDuration {
			maxDuration = run
		}
		if peak > 0 {
			if dd := (peak - e) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, maxDuration
}

func exposure(curve []model.EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	in := 0
	for _, p := range curve {
		if p.InPosition {
			in++
		}
	}
	return float64(in) / float64(len(curve))
}

func meanStd(xs []float64) (mean, std float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
