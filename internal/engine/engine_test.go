package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/ledger"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/strategy"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(obs Observer) *Engine {
	return New(Config{
		RunID:    "test",
		Ledger:   ledger.Config{InitialBalance: d(1000)},
		Observer: obs,
	}, quiet())
}

func snaps(prices ...float64) []model.MarketSnapshot {
	out := make([]model.MarketSnapshot, len(prices))
	for i, p := range prices {
		out[i] = model.MarketSnapshot{
			Timestamp:    t0.Add(time.Duration(i) * 24 * time.Hour),
			InstrumentID: "m1",
			Prices:       map[string]decimal.Decimal{"Yes": d(p)},
		}
	}
	return out
}

func sliceFeed(t *testing.T, prices ...float64) *feed.SliceFeed {
	t.Helper()
	f, err := feed.NewSliceFeed(snaps(prices...))
	if err != nil {
		t.Fatalf("NewSliceFeed: %v", err)
	}
	return f
}

// rawFeed yields snapshots without validation.
type rawFeed struct {
	snaps []model.MarketSnapshot
	i     int
}

func (f *rawFeed) Next(context.Context) (model.MarketSnapshot, bool, error) {
	if f.i >= len(f.snaps) {
		return model.MarketSnapshot{}, false, nil
	}
	f.i++
	return f.snaps[f.i-1], true, nil
}

// scripted returns the signal for each index, or fails at failAt.
type scripted struct {
	signals map[int]*model.Signal
	failAt  int
	panicAt int
	calls   int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Evaluate(model.MarketSnapshot, *model.Position) (*model.Signal, error) {
	i := s.calls
	s.calls++
	if i == s.failAt {
		return nil, errors.New("model diverged")
	}
	if i == s.panicAt {
		var m map[string]int
		m["boom"]++
	}
	return s.signals[i], nil
}

func newScripted(signals map[int]*model.Signal) *scripted {
	return &scripted{signals: signals, failAt: -1, panicAt: -1}
}

func buy(frac float64) *model.Signal {
	return &model.Signal{Action: model.ActionBuy, TargetID: "Yes", SizeFraction: d(frac), Confidence: 1}
}

type recorder struct {
	points []model.EquityPoint
	trades []model.Trade
}

func (r *recorder) OnEquity(_ int, p model.EquityPoint) { r.points = append(r.points, p) }
func (r *recorder) OnTrade(t model.Trade)               { r.trades = append(r.trades, t) }

func TestRun_LiquidatesAtLastSnapshot(t *testing.T) {
	s, err := strategy.New("threshold", strategy.Params{"entry_below": 0.5, "exit_above": 0.99, "size": 0.5})
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	obs := &recorder{}

	res, err := newEngine(obs).Run(context.Background(), sliceFeed(t, 0.40, 0.70, 0.70), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.EquityCurve) != 3 || res.SnapshotsProcessed != 3 {
		t.Fatalf("expected 3 equity samples, got %d", len(res.EquityCurve))
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.Size.Equal(d(1250)) || !tr.EntryPrice.Equal(d(0.4)) || !tr.ExitPrice.Equal(d(0.7)) {
		t.Errorf("unexpected trade: %+v", tr)
	}
	if !tr.PnL.Equal(d(375)) || tr.Reason != model.CloseEndOfRun {
		t.Errorf("expected pnl 375 closed at end of run, got %s %s", tr.PnL, tr.Reason)
	}
	if !res.FinalBalance.Equal(d(1375)) {
		t.Errorf("expected final balance 1375, got %s", res.FinalBalance)
	}
	last := res.EquityCurve[2]
	if !last.Equity.Equal(d(1375)) || last.InPosition {
		t.Errorf("final sample should reflect liquidation, got %+v", last)
	}
	if res.SignalsApplied != 1 || res.Strategy != "threshold" || res.InstrumentID != "m1" {
		t.Errorf("unexpected result header: %+v", res)
	}
	if !res.Start.Equal(t0) || !res.End.Equal(t0.Add(48*time.Hour)) {
		t.Errorf("unexpected run window %s → %s", res.Start, res.End)
	}
	if len(obs.points) != 3 || len(obs.trades) != 1 {
		t.Errorf("observer saw %d points and %d trades", len(obs.points), len(obs.trades))
	}
}

func TestRun_NoSignalsIsFlat(t *testing.T) {
	prices := make([]float64, 100)
	for i := range prices {
		prices[i] = 0.3 + float64(i%7)*0.05
	}

	res, err := newEngine(nil).Run(context.Background(), sliceFeed(t, prices...), strategy.Hold{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.EquityCurve) != 100 || len(res.Trades) != 0 {
		t.Fatalf("expected 100 samples and no trades, got %d and %d", len(res.EquityCurve), len(res.Trades))
	}
	for i, p := range res.EquityCurve {
		if !p.Equity.Equal(d(1000)) {
			t.Fatalf("sample %d drifted to %s", i, p.Equity)
		}
	}
	if !res.FinalBalance.Equal(d(1000)) {
		t.Errorf("expected final balance 1000, got %s", res.FinalBalance)
	}
}

func TestRun_EmptyFeed(t *testing.T) {
	res, err := newEngine(nil).Run(context.Background(), sliceFeed(t), strategy.Hold{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SnapshotsProcessed != 0 || !res.FinalBalance.Equal(d(1000)) {
		t.Errorf("empty feed should leave the account untouched, got %+v", res)
	}
}

func TestRun_ClampsOversizedSignal(t *testing.T) {
	for _, price := range []float64{0.5, 0.6, 0.15, 0.4, 0.9} {
		s := newScripted(map[int]*model.Signal{0: buy(1.5)})
		res, err := newEngine(nil).Run(context.Background(), sliceFeed(t, price, price), s)
		if err != nil {
			t.Fatalf("price %v: Run: %v", price, err)
		}
		if res.SignalsApplied != 1 || len(res.Trades) != 1 {
			t.Errorf("price %v: oversized signal should be clamped, not dropped: applied=%d trades=%d",
				price, res.SignalsApplied, len(res.Trades))
			continue
		}
		notional := res.Trades[0].Size.Mul(res.Trades[0].EntryPrice)
		if notional.GreaterThan(d(1000)) {
			t.Errorf("price %v: position notional %s exceeds equity", price, notional)
		}
	}
}

func TestRun_SyntheticFeedWithDefaultParams(t *testing.T) {
	newFeed := func() feed.Feed {
		f, err := feed.NewSyntheticFeed(feed.SyntheticConfig{
			InstrumentID: "sim", Start: t0, Step: time.Hour, Steps: 500, Seed: 7,
			Liquidity: d(100), MaxTrade: d(10),
		})
		if err != nil {
			t.Fatalf("NewSyntheticFeed: %v", err)
		}
		return f
	}
	run := func(name string, params strategy.Params) *model.BacktestResult {
		s, err := strategy.New(name, params)
		if err != nil {
			t.Fatalf("strategy.New(%s): %v", name, err)
		}
		res, err := newEngine(nil).Run(context.Background(), newFeed(), s)
		if err != nil {
			t.Fatalf("%s: Run: %v", name, err)
		}
		return res
	}

	for _, name := range []string{"ema_crossover", "rsi_reversal", "simple_probability"} {
		defaults := run(name, nil)
		explicit := run(name, strategy.Params{"outcome": feed.OutcomeYes})
		if len(defaults.Trades) != len(explicit.Trades) || !defaults.FinalBalance.Equal(explicit.FinalBalance) {
			t.Errorf("%s: default outcome does not match the feed's Yes label: %d vs %d trades",
				name, len(defaults.Trades), len(explicit.Trades))
		}
	}
	if res := run("ema_crossover", nil); len(res.Trades) == 0 {
		t.Error("ema_crossover with defaults never traded on the synthetic feed")
	}
}

func TestRun_CountsRejectedSignals(t *testing.T) {
	s := newScripted(map[int]*model.Signal{0: buy(0.5), 1: buy(0.5), 2: buy(0.5)})
	res, err := newEngine(nil).Run(context.Background(), sliceFeed(t, 0.4, 0.5, 0.6), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SignalsApplied != 1 || res.SignalsRejected != 2 {
		t.Errorf("expected 1 applied and 2 rejected, got %d and %d", res.SignalsApplied, res.SignalsRejected)
	}
	if len(res.Trades) != 1 {
		t.Errorf("same-direction signals must not open more positions, got %d trades", len(res.Trades))
	}
}

func TestRun_StrategyErrorAborts(t *testing.T) {
	s := newScripted(nil)
	s.failAt = 2

	res, err := newEngine(nil).Run(context.Background(), sliceFeed(t, 0.4, 0.5, 0.6, 0.7), s)
	if res != nil {
		t.Fatal("aborted runs must not return a partial result")
	}
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %v", err)
	}
	if runErr.Index != 2 || !runErr.Timestamp.Equal(t0.Add(48*time.Hour)) {
		t.Errorf("expected failure at index 2, got %d at %s", runErr.Index, runErr.Timestamp)
	}
	if !runErr.LastProcessed.Equal(t0.Add(24 * time.Hour)) {
		t.Errorf("expected last processed %s, got %s", t0.Add(24*time.Hour), runErr.LastProcessed)
	}
	if !errors.Is(err, ErrStrategyEvaluation) {
		t.Errorf("expected ErrStrategyEvaluation, got %v", err)
	}
}

func TestRun_StrategyPanicIsReported(t *testing.T) {
	s := newScripted(nil)
	s.panicAt = 0

	_, err := newEngine(nil).Run(context.Background(), sliceFeed(t, 0.4), s)
	if !errors.Is(err, ErrStrategyEvaluation) {
		t.Fatalf("expected ErrStrategyEvaluation, got %v", err)
	}
	var runErr *RunError
	if errors.As(err, &runErr) && !runErr.LastProcessed.IsZero() {
		t.Errorf("nothing was processed, got last processed %s", runErr.LastProcessed)
	}
}

func TestRun_OutOfOrderFeed(t *testing.T) {
	s := snaps(0.4, 0.5, 0.6)
	s[1], s[2] = s[2], s[1]

	_, err := newEngine(nil).Run(context.Background(), &rawFeed{snaps: s}, strategy.Hold{})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

func TestRun_InstrumentMismatch(t *testing.T) {
	s := snaps(0.4, 0.5)
	s[1].InstrumentID = "m2"

	_, err := newEngine(nil).Run(context.Background(), &rawFeed{snaps: s}, strategy.Hold{})
	if !errors.Is(err, ErrInstrumentMismatch) {
		t.Fatalf("expected ErrInstrumentMismatch, got %v", err)
	}
}

func TestRun_DataGapFailsRun(t *testing.T) {
	s := snaps(0.4, 0.5)
	s = append(s, model.MarketSnapshot{
		Timestamp:    t0.Add(30 * 24 * time.Hour),
		InstrumentID: "m1",
		Prices:       map[string]decimal.Decimal{"Yes": d(0.6)},
	})
	inner, _ := feed.NewSliceFeed(s)
	guarded := feed.NewGapGuard(inner, 48*time.Hour, feed.GapFail, quiet())

	_, err := newEngine(nil).Run(context.Background(), guarded, strategy.Hold{})
	var gapErr *feed.DataGapError
	if !errors.As(err, &gapErr) {
		t.Fatalf("expected *feed.DataGapError, got %v", err)
	}
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Index != 2 {
		t.Errorf("expected failure at index 2, got %v", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine(nil).Run(ctx, sliceFeed(t, 0.4, 0.5), strategy.Hold{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_Deterministic(t *testing.T) {
	run := func() *model.BacktestResult {
		s, _ := strategy.New("ema_crossover", strategy.Params{"period": 3, "allow_short": true})
		f, _ := feed.NewSyntheticFeed(feed.SyntheticConfig{
			InstrumentID: "sim", Start: t0, Step: time.Hour, Steps: 200, Seed: 42,
			Liquidity: d(50), MaxTrade: d(20),
		})
		res, err := newEngine(nil).Run(context.Background(), f, s)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res
	}

	a, b := run(), run()
	if len(a.Trades) != len(b.Trades) || !a.FinalBalance.Equal(b.FinalBalance) {
		t.Fatalf("identical runs diverged: %d/%s vs %d/%s",
			len(a.Trades), a.FinalBalance, len(b.Trades), b.FinalBalance)
	}
	for i, tr := range a.Trades {
		if tr.ExitTime.Before(tr.EntryTime) || tr.ExitPrice.IsZero() && tr.EntryPrice.IsZero() {
			t.Errorf("trade %d is incomplete: %+v", i, tr)
		}
	}
}
