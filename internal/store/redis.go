package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/backtest-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Runs are immutable once saved, so a cached run never goes stale;
// snapshot writes invalidate the instrument list.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then cache or invalidate) ---

func (s *CachedStore) SaveRun(ctx context.Context, r *model.Run) error {
	if err := s.primary.SaveRun(ctx, r); err != nil {
		return err
	}
	s.cacheRun(ctx, r)
	s.rdb.Del(ctx, runsKey)
	return nil
}

func (s *CachedStore) InsertSnapshots(ctx context.Context, snaps []model.MarketSnapshot) error {
	if err := s.primary.InsertSnapshots(ctx, snaps); err != nil {
		return err
	}
	s.rdb.Del(ctx, instrumentsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	data, err := s.rdb.Get(ctx, runKey(id)).Bytes()
	if err == nil {
		var r model.Run
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheRun(ctx, r)
	return r, nil
}

func (s *CachedStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	data, err := s.rdb.Get(ctx, runsKey).Bytes()
	if err == nil {
		var runs []model.Run
		if json.Unmarshal(data, &runs) == nil {
			return runs, nil
		}
	}

	runs, err := s.primary.ListRuns(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(runs); err == nil {
		s.rdb.Set(ctx, runsKey, data, s.ttl)
	}
	return runs, nil
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, instrumentsKey).Result()
	if err == nil && len(ids) > 0 {
		return sortedCopy(ids), nil
	}

	ids, err = s.primary.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe := s.rdb.TxPipeline()
		pipe.SAdd(ctx, instrumentsKey, members...)
		pipe.Expire(ctx, instrumentsKey, s.ttl)
		pipe.Exec(ctx)
	}
	return ids, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetSnapshots(ctx context.Context, instrumentID string, from, to time.Time) ([]model.MarketSnapshot, error) {
	return s.primary.GetSnapshots(ctx, instrumentID, from, to)
}

// --- Cache helpers ---

func (s *CachedStore) cacheRun(ctx context.Context, r *model.Run) {
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, runKey(r.ID), data, s.ttl)
	}
}

const (
	runsKey        = "backtest:runs"
	instrumentsKey = "backtest:instruments"
)

func runKey(id string) string { return fmt.Sprintf("backtest:run:%s", id) }

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
