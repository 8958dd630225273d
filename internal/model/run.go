package model

import (
	"encoding/json"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the terminal state of a persisted backtest run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is a persisted backtest: its inputs, outcome and summary statistics.
// Failed runs carry Error and LastProcessed instead of a Result.
type Run struct {
	ID            string          `json:"id"`
	Strategy      string          `json:"strategy"`
	InstrumentID  string          `json:"instrument_id"`
	Params        map[string]any  `json:"params,omitempty"`
	Status        RunStatus       `json:"status"`
	Error         string          `json:"error,omitempty"`
	LastProcessed *time.Time      `json:"last_processed,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Result        *BacktestResult `json:"result,omitempty"`
	Metrics       *Metrics        `json:"metrics,omitempty"`
}

// Summary returns a copy of the run without its trades and equity curve.
func (r Run) Summary() Run {
	r.Result = nil
	return r
}

// Ratio is a float64 that survives JSON round trips when infinite.
// +Inf and -Inf encode as the strings "Infinity" and "-Infinity".
type Ratio float64

func (r Ratio) MarshalJSON() ([]byte, error) {
	f := float64(r)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	case math.IsNaN(f):
		return []byte(`null`), nil
	}
	return json.Marshal(f)
}

func (r *Ratio) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"Infinity"`:
		*r = Ratio(math.Inf(1))
		return nil
	case `"-Infinity"`:
		*r = Ratio(math.Inf(-1))
		return nil
	case `null`:
		*r = 0
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*r = Ratio(f)
	return nil
}

// Metrics are the summary statistics of one BacktestResult.
// Return, drawdown, win rate and exposure are fractions, not percentages.
type Metrics struct {
	InitialBalance decimal.Decimal `json:"initial_balance"`
	FinalEquity    decimal.Decimal `json:"final_equity"`
	TotalReturn    float64         `json:"total_return"`

	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`

	TotalGains   decimal.Decimal `json:"total_gains"`
	TotalLosses  decimal.Decimal `json:"total_losses"` // absolute value
	NetProfit    decimal.Decimal `json:"net_profit"`
	AverageWin   decimal.Decimal `json:"average_win"`
	AverageLoss  decimal.Decimal `json:"average_loss"` // absolute value
	Expectancy   decimal.Decimal `json:"expectancy"`
	ProfitFactor Ratio           `json:"profit_factor"`

	MaxDrawdown         float64 `json:"max_drawdown"`
	MaxDrawdownDuration int     `json:"max_drawdown_duration"` // samples
	SharpeRatio         float64 `json:"sharpe_ratio"`
	SortinoRatio        float64 `json:"sortino_ratio"`
	CalmarRatio         float64 `json:"calmar_ratio"`
	PeriodsPerYear      float64 `json:"periods_per_year"`
	Exposure            float64 `json:"exposure"`
}
