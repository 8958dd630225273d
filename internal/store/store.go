// Package store defines the persistence interface for backtest runs and the
// market snapshots they replay. Implementations include PostgreSQL (source
// of truth), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/backtest-engine/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Backtest runs ---

	// SaveRun persists a completed or failed run. Runs are immutable once saved.
	SaveRun(ctx context.Context, run *model.Run) error

	// GetRun retrieves a run with its full result.
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// ListRuns returns run summaries (no trades or equity curve), newest first.
	ListRuns(ctx context.Context) ([]model.Run, error)

	// --- Market history ---

	// InsertSnapshots appends snapshots. A snapshot with the same instrument
	// and timestamp as a stored one replaces it.
	InsertSnapshots(ctx context.Context, snaps []model.MarketSnapshot) error

	// GetSnapshots returns an instrument's snapshots with from <= ts <= to in
	// timestamp order. A zero bound is open.
	GetSnapshots(ctx context.Context, instrumentID string, from, to time.Time) ([]model.MarketSnapshot, error)

	// ListInstruments returns every instrument with stored snapshots.
	ListInstruments(ctx context.Context) ([]string, error)
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}
