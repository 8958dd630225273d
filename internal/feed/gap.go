package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atmx/backtest-engine/internal/model"
)

// ErrDataGap matches any *DataGapError with errors.Is.
var ErrDataGap = errors.New("feed: data gap")

// DataGapError names the interval missing from a source.
type DataGapError struct {
	From time.Time
	To   time.Time
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("feed: no data between %s and %s (%s)",
		e.From.Format(time.RFC3339), e.To.Format(time.RFC3339), e.To.Sub(e.From))
}

func (e *DataGapError) Unwrap() error { return ErrDataGap }

// GapPolicy selects how GapGuard reacts to a gap.
type GapPolicy int

const (
	// GapFail aborts the stream with a *DataGapError.
	GapFail GapPolicy = iota
	// GapSkip logs the gap and continues with the next available snapshot.
	GapSkip
)

// ParseGapPolicy maps "fail" and "skip" to a policy.
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return GapFail, nil
	case "skip":
		return GapSkip, nil
	}
	return GapFail, fmt.Errorf("feed: unknown gap policy %q", s)
}

func (p GapPolicy) String() string {
	if p == GapSkip {
		return "skip"
	}
	return "fail"
}

// GapGuard wraps a Feed and checks the spacing of consecutive snapshots.
// It never fabricates snapshots to fill a gap.
type GapGuard struct {
	inner  Feed
	maxGap time.Duration
	policy GapPolicy
	logger *slog.Logger
	last   time.Time
	gaps   []DataGapError
}

// NewGapGuard guards inner against gaps longer than maxGap. A non-positive
// maxGap disables the check.
func NewGapGuard(inner Feed, maxGap time.Duration, policy GapPolicy, logger *slog.Logger) *GapGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &GapGuard{inner: inner, maxGap: maxGap, policy: policy, logger: logger}
}

func (g *GapGuard) Next(ctx context.Context) (model.MarketSnapshot, bool, error) {
	snap, ok, err := g.inner.Next(ctx)
	if err != nil || !ok {
		return snap, ok, err
	}

	if g.maxGap > 0 && !g.last.IsZero() && snap.Timestamp.Sub(g.last) > g.maxGap {
		gap := DataGapError{From: g.last, To: snap.Timestamp}
		if g.policy == GapFail {
			return model.MarketSnapshot{}, false, &gap
		}
		g.gaps = append(g.gaps, gap)
		g.logger.Warn("skipping data gap",
			"instrument", snap.InstrumentID,
			"from", gap.From,
			"to", gap.To,
		)
	}
	g.last = snap.Timestamp
	return snap, true, nil
}

// Gaps returns the gaps skipped so far under GapSkip.
func (g *GapGuard) Gaps() []DataGapError {
	return append([]DataGapError(nil), g.gaps...)
}
