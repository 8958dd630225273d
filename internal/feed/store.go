package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/atmx/backtest-engine/internal/model"
)

// SnapshotSource is the read side of snapshot persistence.
type SnapshotSource interface {
	GetSnapshots(ctx context.Context, instrumentID string, from, to time.Time) ([]model.MarketSnapshot, error)
}

// StoreFeed replays persisted snapshots for one instrument over [From, To].
// The range is loaded on the first call to Next.
type StoreFeed struct {
	src          SnapshotSource
	instrumentID string
	from, to     time.Time
	inner        *SliceFeed
}

// NewStoreFeed returns a feed over src. Zero bounds are open.
func NewStoreFeed(src SnapshotSource, instrumentID string, from, to time.Time) *StoreFeed {
	return &StoreFeed{src: src, instrumentID: instrumentID, from: from, to: to}
}

func (f *StoreFeed) Next(ctx context.Context) (model.MarketSnapshot, bool, error) {
	if f.inner == nil {
		snaps, err := f.src.GetSnapshots(ctx, f.instrumentID, f.from, f.to)
		if err != nil {
			return model.MarketSnapshot{}, false, fmt.Errorf("load snapshots for %s: %w", f.instrumentID, err)
		}
		if f.inner, err = NewSliceFeed(snaps); err != nil {
			return model.MarketSnapshot{}, false, fmt.Errorf("stored snapshots for %s: %w", f.instrumentID, err)
		}
	}
	return f.inner.Next(ctx)
}
