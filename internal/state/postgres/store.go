// Package postgres provides a Postgres-backed state store for
// deployments where many pollers share one ledger.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists state records in the source_state table.
type Store struct {
	pool querier
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("state.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Get returns the record for sourceID, reporting whether it exists.
func (s *Store) Get(ctx context.Context, sourceID string) (watch.StateRecord, bool, error) {
	var (
		rec       watch.StateRecord
		recentRaw []byte
	)
	rec.SourceID = sourceID
	err := s.pool.QueryRow(ctx,
		`SELECT watermark, recent, updated_at, revision FROM source_state WHERE source_id = $1`,
		sourceID,
	).Scan(&rec.Watermark, &recentRaw, &rec.UpdatedAt, &rec.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return watch.StateRecord{}, false, nil
	}
	if err != nil {
		return watch.StateRecord{}, false, fmt.Errorf("select source state: %w", err)
	}
	if err := json.Unmarshal(recentRaw, &rec.Recent); err != nil {
		return watch.StateRecord{}, false, fmt.Errorf("decode recent set: %w", err)
	}
	return rec, true, nil
}

// Put updates the record iff the stored revision matches, inserting on
// first write (revision 0).
func (s *Store) Put(ctx context.Context, record watch.StateRecord) error {
	recent := record.Recent
	if recent == nil {
		recent = []string{}
	}
	recentRaw, err := json.Marshal(recent)
	if err != nil {
		return fmt.Errorf("encode recent set: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE source_state
		 SET watermark = $1, recent = $2, updated_at = $3, revision = revision + 1
		 WHERE source_id = $4 AND revision = $5`,
		record.Watermark, recentRaw, record.UpdatedAt.UTC(), record.SourceID, record.Revision,
	)
	if err != nil {
		return fmt.Errorf("update source state: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if record.Revision != 0 {
		return watch.ErrRevisionConflict
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO source_state (source_id, watermark, recent, updated_at, revision)
		 VALUES ($1, $2, $3, $4, 1)`,
		record.SourceID, record.Watermark, recentRaw, record.UpdatedAt.UTC(),
	)
	if err != nil {
		return watch.ErrRevisionConflict
	}
	return nil
}
