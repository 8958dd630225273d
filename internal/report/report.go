// Package report renders backtest results for humans and for other tools.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/atmx/backtest-engine/internal/model"
)

const rule = 70

// Text writes the console report: run header, then initial metrics, trade
// statistics, profitability and risk sections.
func Text(w io.Writer, res *model.BacktestResult, m model.Metrics) error {
	p := message.NewPrinter(language.English)
	bar := strings.Repeat("=", rule)

	var b strings.Builder
	line := func(format string, args ...any) {
		b.WriteString(p.Sprintf(format, args...))
		b.WriteByte('\n')
	}

	line("%s", bar)
	line("BACKTEST REPORT")
	line("%s", bar)
	line("")
	line("Strategy: %s", res.Strategy)
	if res.InstrumentID != "" {
		line("Instrument: %s", res.InstrumentID)
	}
	line("Period: %s to %s", stamp(res.Start), stamp(res.End))
	line("Snapshots: %d", res.SnapshotsProcessed)
	line("")
	line("INITIAL METRICS:")
	line("  Initial Balance: %s", money(p, m.InitialBalance))
	line("  Final Equity: %s", money(p, m.FinalEquity))
	line("  Total Return: %.2f%%", m.TotalReturn*100)
	line("")
	line("TRADE STATISTICS:")
	line("  Total Trades: %d", m.TotalTrades)
	line("  Winning Trades: %d", m.WinningTrades)
	line("  Losing Trades: %d", m.LosingTrades)
	line("  Win Rate: %.2f%%", m.WinRate*100)
	line("  Signals Applied: %d", res.SignalsApplied)
	line("  Signals Rejected: %d", res.SignalsRejected)
	line("")
	line("PROFITABILITY:")
	line("  Total Profit: %s", money(p, m.TotalGains))
	line("  Total Loss: %s", money(p, m.TotalLosses))
	line("  Net Profit: %s", money(p, m.NetProfit))
	line("  Profit Factor: %s", ratio(m.ProfitFactor))
	line("  Average Win: %s", money(p, m.AverageWin))
	line("  Average Loss: %s", money(p, m.AverageLoss))
	line("  Expectancy: %s", money(p, m.Expectancy))
	line("")
	line("RISK METRICS:")
	line("  Maximum Drawdown: %.2f%%", m.MaxDrawdown*100)
	line("  Drawdown Duration: %d periods", m.MaxDrawdownDuration)
	line("  Sharpe Ratio: %.2f", m.SharpeRatio)
	line("  Sortino Ratio: %.2f", m.SortinoRatio)
	line("  Calmar Ratio: %.2f", m.CalmarRatio)
	line("  Exposure: %.2f%%", m.Exposure*100)
	line("")
	line("%s", bar)

	_, err := io.WriteString(w, b.String())
	return err
}

// Document is the JSON report shape.
type Document struct {
	Result  *model.BacktestResult `json:"result"`
	Metrics model.Metrics         `json:"metrics"`
}

// JSON writes the result and its metrics as indented JSON.
func JSON(w io.Writer, res *model.BacktestResult, m model.Metrics) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Document{Result: res, Metrics: m})
}

// WriteTradesCSV writes one row per closed trade.
func WriteTradesCSV(w io.Writer, trades []model.Trade) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{
		"target_id", "side", "entry_time", "exit_time", "entry_price", "exit_price",
		"size", "pnl", "fees", "net_pnl", "return_pct", "reason",
	})
	for _, t := range trades {
		_ = cw.Write([]string{
			t.TargetID,
			string(t.Side),
			stamp(t.EntryTime),
			stamp(t.ExitTime),
			t.EntryPrice.String(),
			t.ExitPrice.String(),
			t.Size.String(),
			t.PnL.String(),
			t.Fees.String(),
			t.NetPnL.String(),
			t.ReturnPct.String(),
			t.Reason,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write trades csv: %w", err)
	}
	return nil
}

// WriteEquityCSV writes one row per equity sample.
func WriteEquityCSV(w io.Writer, curve []model.EquityPoint) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"timestamp", "equity", "balance", "unrealized_pnl", "in_position"})
	for _, pt := range curve {
		_ = cw.Write([]string{
			stamp(pt.Timestamp),
			pt.Equity.String(),
			pt.Balance.String(),
			pt.UnrealizedPnL.String(),
			strconv.FormatBool(pt.InPosition),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write equity csv: %w", err)
	}
	return nil
}

func money(p *message.Printer, v decimal.Decimal) string {
	f := v.Round(2).InexactFloat64()
	if f < 0 {
		return p.Sprintf("-$%.2f", -f)
	}
	return p.Sprintf("$%.2f", f)
}

func ratio(r model.Ratio) string {
	switch f := float64(r); {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsNaN(f):
		return "n/a"
	default:
		return strconv.FormatFloat(f, 'f', 2, 64)
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
