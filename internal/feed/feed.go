// Package feed provides MarketSnapshot sources for the backtest engine.
//
// Every Feed yields snapshots of one instrument in non-decreasing timestamp
// order and signals the end of the stream with ok == false and a nil error.
// A fresh Feed over the same range always reproduces the same sequence.
package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/backtest-engine/internal/model"
)

// ErrOutOfOrder is returned when a source yields a snapshot older than its
// predecessor.
var ErrOutOfOrder = errors.New("feed: snapshot timestamps out of order")

// Feed is a lazy, finite, time-ordered stream of snapshots.
type Feed interface {
	// Next returns the next snapshot. ok is false at end of stream.
	Next(ctx context.Context) (snap model.MarketSnapshot, ok bool, err error)
}

// SliceFeed replays an in-memory, pre-validated snapshot sequence.
type SliceFeed struct {
	snaps []model.MarketSnapshot
	pos   int
}

// NewSliceFeed validates every snapshot and the ordering of the sequence.
func NewSliceFeed(snaps []model.MarketSnapshot) (*SliceFeed, error) {
	if err := validateSequence(snaps); err != nil {
		return nil, err
	}
	return &SliceFeed{snaps: snaps}, nil
}

func (f *SliceFeed) Next(ctx context.Context) (model.MarketSnapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.MarketSnapshot{}, false, err
	}
	if f.pos >= len(f.snaps) {
		return model.MarketSnapshot{}, false, nil
	}
	snap := f.snaps[f.pos]
	f.pos++
	return snap, true, nil
}

// Reset rewinds the feed to its first snapshot.
func (f *SliceFeed) Reset() { f.pos = 0 }

// Len returns the total number of snapshots.
func (f *SliceFeed) Len() int { return len(f.snaps) }

// Collect drains a feed into a slice.
func Collect(ctx context.Context, f Feed) ([]model.MarketSnapshot, error) {
	var out []model.MarketSnapshot
	for {
		snap, ok, err := f.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, snap)
	}
}

func validateSequence(snaps []model.MarketSnapshot) error {
	for i, snap := range snaps {
		if err := snap.Validate(); err != nil {
			return fmt.Errorf("snapshot %d: %w", i, err)
		}
		if i > 0 && snap.Timestamp.Before(snaps[i-1].Timestamp) {
			return fmt.Errorf("%w: snapshot %d at %s precedes %s",
				ErrOutOfOrder, i, snap.Timestamp, snaps[i-1].Timestamp)
		}
	}
	return nil
}
