package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// Schema creates the tables PostgresStore expects. Balances are NUMERIC for
// exact decimal precision; results and metrics are JSONB documents.
const Schema = `
CREATE TABLE IF NOT EXISTS backtest_runs (
	id              TEXT PRIMARY KEY,
	strategy        TEXT NOT NULL,
	instrument_id   TEXT NOT NULL,
	params          JSONB,
	status          TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	last_processed  TIMESTAMPTZ,
	initial_balance NUMERIC,
	final_balance   NUMERIC,
	metrics         JSONB,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS market_snapshots (
	instrument_id TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	prices        JSONB NOT NULL,
	orderbook     JSONB,
	PRIMARY KEY (instrument_id, ts)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. Safe to run on every startup.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) SaveRun(ctx context.Context, r *model.Run) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	metrics, err := marshalOptional(r.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	var result []byte
	var initial, final *string
	if r.Result != nil {
		if result, err = json.Marshal(r.Result); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		i, f := r.Result.InitialBalance.String(), r.Result.FinalBalance.String()
		initial, final = &i, &f
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO backtest_runs (id, strategy, instrument_id, params, status, error, last_processed,
		                            initial_balance, final_balance, metrics, result, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		r.ID, r.Strategy, r.InstrumentID, params, r.Status, r.Error, r.LastProcessed,
		initial, final, metrics, result, r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	var params, metrics, result []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, strategy, instrument_id, params, status, error, last_processed,
		        metrics, result, created_at
		 FROM backtest_runs WHERE id = $1`, id).
		Scan(&r.ID, &r.Strategy, &r.InstrumentID, &params, &r.Status, &r.Error, &r.LastProcessed,
			&metrics, &result, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	if err := decodeRunDocs(&r, params, metrics); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		r.Result = &model.BacktestResult{}
		if err := json.Unmarshal(result, r.Result); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", id, err)
		}
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, strategy, instrument_id, params, status, error, last_processed,
		        metrics, created_at
		 FROM backtest_runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var params, metrics []byte
		if err := rows.Scan(&r.ID, &r.Strategy, &r.InstrumentID, &params, &r.Status, &r.Error,
			&r.LastProcessed, &metrics, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeRunDocs(&r, params, metrics); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) InsertSnapshots(ctx context.Context, snaps []model.MarketSnapshot) error {
	batch := &pgx.Batch{}
	for _, snap := range snaps {
		prices, err := json.Marshal(snap.Prices)
		if err != nil {
			return fmt.Errorf("encode prices: %w", err)
		}
		book, err := marshalOptional(snap.Orderbook)
		if err != nil {
			return fmt.Errorf("encode orderbook: %w", err)
		}
		batch.Queue(
			`INSERT INTO market_snapshots (instrument_id, ts, prices, orderbook)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (instrument_id, ts) DO UPDATE
			 SET prices = EXCLUDED.prices, orderbook = EXCLUDED.orderbook`,
			snap.InstrumentID, snap.Timestamp, prices, book,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range snaps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert snapshot %d: %w", i, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetSnapshots(ctx context.Context, instrumentID string, from, to time.Time) ([]model.MarketSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT instrument_id, ts, prices, orderbook
		 FROM market_snapshots
		 WHERE instrument_id = $1
		   AND ($2::TIMESTAMPTZ IS NULL OR ts >= $2)
		   AND ($3::TIMESTAMPTZ IS NULL OR ts <= $3)
		 ORDER BY ts`, instrumentID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT instrument_id FROM market_snapshots ORDER BY instrument_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanSnapshots(rows pgxRows) ([]model.MarketSnapshot, error) {
	var snaps []model.MarketSnapshot
	for rows.Next() {
		var snap model.MarketSnapshot
		var prices, book []byte

		if err := rows.Scan(&snap.InstrumentID, &snap.Timestamp, &prices, &book); err != nil {
			return nil, err
		}

		snap.Prices = make(map[string]decimal.Decimal)
		if err := json.Unmarshal(prices, &snap.Prices); err != nil {
			return nil, fmt.Errorf("decode prices at %s: %w", snap.Timestamp, err)
		}
		if len(book) > 0 {
			snap.Orderbook = &model.Orderbook{}
			if err := json.Unmarshal(book, snap.Orderbook); err != nil {
				return nil, fmt.Errorf("decode orderbook at %s: %w", snap.Timestamp, err)
			}
		}
		snap.Timestamp = snap.Timestamp.UTC()
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func decodeRunDocs(r *model.Run, params, metrics []byte) error {
	if len(params) > 0 {
		if err := json.Unmarshal(params, &r.Params); err != nil {
			return fmt.Errorf("decode params %s: %w", r.ID, err)
		}
	}
	if len(metrics) > 0 {
		r.Metrics = &model.Metrics{}
		if err := json.Unmarshal(metrics, r.Metrics); err != nil {
			return fmt.Errorf("decode metrics %s: %w", r.ID, err)
		}
	}
	return nil
}

// marshalOptional encodes v, mapping nil pointers to SQL NULL.
func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
