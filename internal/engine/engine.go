// Package engine replays a feed through a strategy and a ledger.
//
// A run is single-threaded and deterministic: the same feed, strategy
// parameters and ledger config always produce the same result. Parallelism
// belongs across runs, each with its own Engine inputs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/ledger"
	"github.com/atmx/backtest-engine/internal/metrics"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/strategy"
)

var (
	// ErrStrategyEvaluation wraps errors and panics raised by a strategy.
	ErrStrategyEvaluation = errors.New("engine: strategy evaluation failed")

	// ErrOutOfOrder is returned when a feed yields a snapshot older than the
	// previous one.
	ErrOutOfOrder = errors.New("engine: snapshot precedes previous snapshot")

	// ErrInstrumentMismatch is returned when a feed mixes instruments.
	ErrInstrumentMismatch = errors.New("engine: feed yielded a second instrument")
)

// RunError aborts a run. It names the snapshot that failed and the last one
// processed successfully. No partial result accompanies it.
type RunError struct {
	Index         int
	Timestamp     time.Time // zero when the feed failed before yielding
	LastProcessed time.Time // zero when nothing was processed
	Err           error
}

func (e *RunError) Error() string {
	last := "none"
	if !e.LastProcessed.IsZero() {
		last = e.LastProcessed.Format(time.RFC3339)
	}
	return fmt.Sprintf("engine: run aborted at snapshot %d (last processed %s): %v", e.Index, last, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Observer receives progress while a run executes. Calls happen on the run's
// goroutine, in order.
type Observer interface {
	OnEquity(index int, point model.EquityPoint)
	OnTrade(trade model.Trade)
}

// Config configures one Engine.
type Config struct {
	RunID    string
	Ledger   ledger.Config
	Observer Observer
}

// Engine runs backtests with a fixed ledger configuration.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an engine. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Run replays f through s on a fresh ledger. Any position still open after
// the last snapshot is closed at that snapshot's price, and the final equity
// sample is updated to the post-liquidation account.
func (e *Engine) Run(ctx context.Context, f feed.Feed, s strategy.Strategy) (*model.BacktestResult, error) {
	started := time.Now()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	r := &run{
		engine: e,
		ledger: ledger.New(e.cfg.Ledger, e.logger),
		result: &model.BacktestResult{
			RunID:          e.cfg.RunID,
			Strategy:       s.Name(),
			InitialBalance: e.cfg.Ledger.InitialBalance,
		},
	}

	err := r.loop(ctx, f, s)
	metrics.RunDuration.WithLabelValues(s.Name()).Observe(time.Since(started).Seconds())
	metrics.SnapshotsProcessed.Add(float64(r.result.SnapshotsProcessed))
	if err != nil {
		metrics.RunsTotal.WithLabelValues(s.Name(), string(model.RunFailed)).Inc()
		e.logger.Error("backtest aborted",
			"run_id", e.cfg.RunID,
			"strategy", s.Name(),
			"err", err,
		)
		return nil, err
	}

	res := r.result
	res.Trades = r.ledger.Trades()
	res.FinalBalance = r.ledger.Cash()
	metrics.RunsTotal.WithLabelValues(s.Name(), string(model.RunCompleted)).Inc()
	e.logger.Info("backtest complete",
		"run_id", e.cfg.RunID,
		"strategy", s.Name(),
		"instrument", res.InstrumentID,
		"snapshots", res.SnapshotsProcessed,
		"trades", len(res.Trades),
		"final_balance", res.FinalBalance.String(),
		"elapsed", time.Since(started),
	)
	return res, nil
}

// run is the mutable state of one Engine.Run call.
type run struct {
	engine *Engine
	ledger *ledger.Ledger
	result *model.BacktestResult
	last   model.MarketSnapshot
}

func (r *run) loop(ctx context.Context, f feed.Feed, s strategy.Strategy) error {
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return r.fail(i, time.Time{}, err)
		}

		snap, ok, err := f.Next(ctx)
		if err != nil {
			return r.fail(i, time.Time{}, err)
		}
		if !ok {
			break
		}
		if err := r.check(snap); err != nil {
			return r.fail(i, snap.Timestamp, err)
		}

		sig, err := evaluate(s, snap, r.ledger.Position())
		if err != nil {
			return r.fail(i, snap.Timestamp, fmt.Errorf("%w: %s: %w", ErrStrategyEvaluation, s.Name(), err))
		}
		if sig != nil {
			r.apply(*sig, snap)
		}

		point := r.ledger.MarkToMarket(snap)
		r.result.EquityCurve = append(r.result.EquityCurve, point)
		if obs := r.engine.cfg.Observer; obs != nil {
			obs.OnEquity(i, point)
		}

		if r.result.SnapshotsProcessed == 0 {
			r.result.Start = snap.Timestamp
			r.result.InstrumentID = snap.InstrumentID
		}
		r.result.End = snap.Timestamp
		r.result.SnapshotsProcessed++
		r.last = snap
	}

	if r.ledger.Position() != nil {
		trade, err := r.ledger.Close(r.last, model.CloseEndOfRun)
		if err != nil {
			return r.fail(r.result.SnapshotsProcessed, r.last.Timestamp, err)
		}
		r.recordTrade(*trade)
		final := &r.result.EquityCurve[len(r.result.EquityCurve)-1]
		final.Equity = r.ledger.Equity()
		final.Balance = r.ledger.Cash()
		final.UnrealizedPnL = r.ledger.UnrealizedPnL()
		final.InPosition = false
	}
	return nil
}

func (r *run) check(snap model.MarketSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	if r.result.SnapshotsProcessed == 0 {
		return nil
	}
	if snap.Timestamp.Before(r.last.Timestamp) {
		return fmt.Errorf("%w: %s after %s", ErrOutOfOrder,
			snap.Timestamp.Format(time.RFC3339), r.last.Timestamp.Format(time.RFC3339))
	}
	if snap.InstrumentID != "" && r.result.InstrumentID != "" && snap.InstrumentID != r.result.InstrumentID {
		return fmt.Errorf("%w: %s after %s", ErrInstrumentMismatch, snap.InstrumentID, r.result.InstrumentID)
	}
	return nil
}

func (r *run) apply(sig model.Signal, snap model.MarketSnapshot) {
	fill, err := r.ledger.Apply(sig, snap)
	switch {
	case err == nil:
		r.result.SignalsApplied++
		if fill.Closed != nil {
			r.recordTrade(*fill.Closed)
		}
	case errors.Is(err, ledger.ErrHold):
	default:
		r.result.SignalsRejected++
		metrics.SignalsRejected.WithLabelValues(rejectReason(err)).Inc()
		r.engine.logger.Debug("signal not applied",
			"run_id", r.engine.cfg.RunID,
			"action", sig.Action,
			"target", sig.TargetID,
			"ts", snap.Timestamp,
			"err", err,
		)
	}
}

func (r *run) recordTrade(t model.Trade) {
	metrics.TradesClosed.WithLabelValues(string(t.Side), t.Reason).Inc()
	if obs := r.engine.cfg.Observer; obs != nil {
		obs.OnTrade(t)
	}
}

func (r *run) fail(index int, ts time.Time, err error) error {
	var last time.Time
	if r.result.SnapshotsProcessed > 0 {
		last = r.last.Timestamp
	}
	return &RunError{Index: index, Timestamp: ts, LastProcessed: last, Err: err}
}

// evaluate calls the strategy, turning a panic into an error.
func evaluate(s strategy.Strategy, snap model.MarketSnapshot, open *model.Position) (sig *model.Signal, err error) {
	defer func() {
		if p := recover(); p != nil {
			sig, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return s.Evaluate(snap, open)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrTargetMismatch):
		return "target_mismatch"
	case errors.Is(err, ledger.ErrAlreadyOpen):
		return "already_open"
	case errors.Is(err, ledger.ErrNoPrice):
		return "no_price"
	case errors.Is(err, ledger.ErrInvalidSize):
		return "invalid_size"
	}
	return "other"
}
