// Package api provides the HTTP handlers for running backtests, browsing
// their results, and managing the market history they replay.
//
// All monetary values use shopspring/decimal. Never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atmx/backtest-engine/internal/analytics"
	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/instrument"
	"github.com/atmx/backtest-engine/internal/ledger"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/store"
	"github.com/atmx/backtest-engine/internal/strategy"
)

// MaxSnapshotsPerRequest bounds uploads and inline backtest data.
const MaxSnapshotsPerRequest = 100000

// Config holds the settings every run started through the API shares.
type Config struct {
	Ledger    ledger.Config
	MaxGap    time.Duration // zero disables gap checks
	GapPolicy feed.GapPolicy
	// RunTimeout bounds one synchronous backtest request.
	RunTimeout time.Duration
	// ProgressEvery broadcasts every Nth equity sample; zero disables them.
	ProgressEvery int
}

// Service handles backtest operations. Runs execute synchronously on the
// request goroutine; concurrent requests run independently.
type Service struct {
	store  store.Store
	cfg    Config
	wsHub  *WSHub // optional WebSocket hub for progress broadcasts
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new backtest service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, cfg Config, hub *WSHub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		cfg:    cfg,
		wsHub:  hub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Routes mounts every handler on r. The server mounts it under /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Get("/strategies", s.ListStrategies)

	r.Get("/backtests", s.ListBacktests)
	r.Post("/backtests", s.CreateBacktest)
	r.Get("/backtests/{runID}", s.GetBacktest)
	r.Get("/backtests/{runID}/trades", s.GetTrades)
	r.Get("/backtests/{runID}/equity", s.GetEquity)

	r.Get("/instruments", s.ListInstruments)
	r.Get("/instruments/{instrumentID}/snapshots", s.GetSnapshots)
	r.Post("/instruments/{instrumentID}/snapshots", s.PostSnapshots)
}

// --- Request/Response types ---

// BacktestRequest is the JSON body for POST /backtests. When Snapshots is
// empty the run replays stored history for InstrumentID between From and To.
type BacktestRequest struct {
	Strategy     string                 `json:"strategy"`
	InstrumentID string                 `json:"instrument_id"`
	Params       strategy.Params        `json:"params,omitempty"`
	From         string                 `json:"from,omitempty"` // RFC3339 or unix seconds
	To           string                 `json:"to,omitempty"`
	Snapshots    []model.MarketSnapshot `json:"snapshots,omitempty"`
}

// StrategyInfo describes one registered strategy.
type StrategyInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Defaults    strategy.Params `json:"defaults"`
}

// --- HTTP Handlers ---

// ListStrategies handles GET /api/v1/strategies
func (s *Service) ListStrategies(w http.ResponseWriter, _ *http.Request) {
	infos := strategy.Registered()
	out := make([]StrategyInfo, len(infos))
	for i, info := range infos {
		out[i] = StrategyInfo{Name: info.Name, Description: info.Description, Defaults: info.Defaults}
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateBacktest handles POST /api/v1/backtests
// Runs the backtest to completion, persists it, and returns the run summary.
// A run that aborts is persisted as failed and returned with 422.
func (s *Service) CreateBacktest(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.Strategy == "" {
		writeError(w, "strategy is required", http.StatusBadRequest)
		return
	}
	if req.InstrumentID == "" {
		writeError(w, "instrument_id is required", http.StatusBadRequest)
		return
	}
	if _, err := instrument.Parse(req.InstrumentID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Snapshots) > MaxSnapshotsPerRequest {
		writeError(w, "too many snapshots", http.StatusRequestEntityTooLarge)
		return
	}
	from, to, err := parseRange(req.From, req.To)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	strat, err := strategy.New(req.Strategy, req.Params)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, strategy.ErrUnknownStrategy) {
			status = http.StatusNotFound
		}
		writeError(w, err.Error(), status)
		return
	}

	f, err := s.feedFor(req, from, to)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	run := &model.Run{
		ID:           uuid.New().String(),
		Strategy:     strat.Name(),
		InstrumentID: req.InstrumentID,
		Params:       req.Params,
		CreatedAt:    s.now(),
	}
	s.broadcast(WSMessage{Type: MsgRunStarted, RunID: run.ID, Strategy: run.Strategy})

	ctx := r.Context()
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	var obs engine.Observer
	if s.wsHub != nil {
		obs = &progress{hub: s.wsHub, runID: run.ID, every: s.cfg.ProgressEvery}
	}
	eng := engine.New(engine.Config{RunID: run.ID, Ledger: s.cfg.Ledger, Observer: obs}, s.logger)
	res, runErr := eng.Run(ctx, f, strat)

	status := http.StatusCreated
	if runErr != nil {
		status = http.StatusUnprocessableEntity
		run.Status = model.RunFailed
		run.Error = runErr.Error()
		var re *engine.RunError
		if errors.As(runErr, &re) && !re.LastProcessed.IsZero() {
			last := re.LastProcessed
			run.LastProcessed = &last
		}
	} else {
		m := analytics.Summarize(res)
		run.Status = model.RunCompleted
		run.Result = res
		run.Metrics = &m
	}

	// Persist with a fresh context so a timed-out run is still recorded.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()
	if err := s.store.SaveRun(saveCtx, run); err != nil {
		s.logger.Error("save run failed", "run_id", run.ID, "err", err)
		writeError(w, "failed to save run", http.StatusInternalServerError)
		return
	}

	if runErr != nil {
		s.broadcast(WSMessage{Type: MsgRunFailed, RunID: run.ID, Strategy: run.Strategy, Error: run.Error})
	} else {
		s.broadcast(WSMessage{Type: MsgRunCompleted, RunID: run.ID, Strategy: run.Strategy, Metrics: run.Metrics})
	}

	s.logger.Info("backtest stored",
		"run_id", run.ID,
		"strategy", run.Strategy,
		"instrument", run.InstrumentID,
		"status", run.Status,
	)
	writeJSON(w, status, run.Summary())
}

func (s *Service) feedFor(req BacktestRequest, from, to time.Time) (feed.Feed, error) {
	var f feed.Feed
	if len(req.Snapshots) > 0 {
		for i := range req.Snapshots {
			if req.Snapshots[i].InstrumentID == "" {
				req.Snapshots[i].InstrumentID = req.InstrumentID
			}
		}
		sf, err := feed.NewSliceFeed(req.Snapshots)
		if err != nil {
			return nil, err
		}
		f = sf
	} else {
		f = feed.NewStoreFeed(s.store, req.InstrumentID, from, to)
	}
	if s.cfg.MaxGap > 0 {
		f = feed.NewGapGuard(f, s.cfg.MaxGap, s.cfg.GapPolicy, s.logger)
	}
	return f, nil
}

// ListBacktests handles GET /api/v1/backtests
// Returns run summaries, optionally filtered by ?strategy= and ?status=.
func (s *Service) ListBacktests(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, "failed to list backtests", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	filtered := make([]model.Run, 0, len(runs))
	for _, run := range runs {
		if name := q.Get("strategy"); name != "" && run.Strategy != name {
			continue
		}
		if st := q.Get("status"); st != "" && string(run.Status) != st {
			continue
		}
		filtered = append(filtered, run)
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}

	writeJSON(w, http.StatusOK, filtered)
}

// GetBacktest handles GET /api/v1/backtests/{runID}
func (s *Service) GetBacktest(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run.Summary())
}

// GetTrades handles GET /api/v1/backtests/{runID}/trades
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	trades := []model.Trade{}
	if run.Result != nil && run.Result.Trades != nil {
		trades = run.Result.Trades
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetEquity handles GET /api/v1/backtests/{runID}/equity
func (s *Service) GetEquity(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	curve := []model.EquityPoint{}
	if run.Result != nil && run.Result.EquityCurve != nil {
		curve = run.Result.EquityCurve
	}
	writeJSON(w, http.StatusOK, curve)
}

func (s *Service) loadRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "backtest not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.logger.Error("get run failed", "run_id", runID, "err", err)
		writeError(w, "failed to load backtest", http.StatusInternalServerError)
		return nil, false
	}
	return run, true
}

// ListInstruments handles GET /api/v1/instruments
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ListInstruments(r.Context())
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// PostSnapshots handles POST /api/v1/instruments/{instrumentID}/snapshots
// Snapshots without an instrument_id take the one in the path.
func (s *Service) PostSnapshots(w http.ResponseWriter, r *http.Request) {
	instrumentID := chi.URLParam(r, "instrumentID")
	if _, err := instrument.Parse(instrumentID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var snaps []model.MarketSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snaps); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(snaps) == 0 {
		writeError(w, "no snapshots", http.StatusBadRequest)
		return
	}
	if len(snaps) > MaxSnapshotsPerRequest {
		writeError(w, "too many snapshots", http.StatusRequestEntityTooLarge)
		return
	}
	for i := range snaps {
		switch snaps[i].InstrumentID {
		case "":
			snaps[i].InstrumentID = instrumentID
		case instrumentID:
		default:
			writeError(w, "snapshot "+strconv.Itoa(i)+" belongs to "+snaps[i].InstrumentID, http.StatusBadRequest)
			return
		}
		if err := snaps[i].Validate(); err != nil {
			writeError(w, "snapshot "+strconv.Itoa(i)+": "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := s.store.InsertSnapshots(r.Context(), snaps); err != nil {
		s.logger.Error("insert snapshots failed", "instrument", instrumentID, "err", err)
		writeError(w, "failed to store snapshots", http.StatusInternalServerError)
		return
	}

	s.logger.Info("snapshots stored", "instrument", instrumentID, "count", len(snaps))
	writeJSON(w, http.StatusCreated, map[string]int{"inserted": len(snaps)})
}

// GetSnapshots handles GET /api/v1/instruments/{instrumentID}/snapshots
// Accepts optional ?from= and ?to= bounds.
func (s *Service) GetSnapshots(w http.ResponseWriter, r *http.Request) {
	instrumentID := chi.URLParam(r, "instrumentID")
	from, to, err := parseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	snaps, err := s.store.GetSnapshots(r.Context(), instrumentID, from, to)
	if err != nil {
		writeError(w, "failed to load snapshots", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []model.MarketSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

func parseRange(fromStr, toStr string) (from, to time.Time, err error) {
	if fromStr != "" {
		if from, err = feed.ParseTimestamp(fromStr); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if toStr != "" {
		if to, err = feed.ParseTimestamp(toStr); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("to precedes from")
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
