// Package sqlite provides an embedded sqlite state store. It is the
// default for single-host deployments where the pollers and their state
// live on the same box.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/feedsentry/feedsentry/internal/watch"
)

const schema = `
CREATE TABLE IF NOT EXISTS source_state (
	source_id  TEXT PRIMARY KEY,
	watermark  INTEGER NOT NULL,
	recent     TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	revision   INTEGER NOT NULL
);`

// Store persists state records in a sqlite database file.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the sqlite database at path. Use ":memory:"
// for an ephemeral store.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialized access keeps CAS simple under the single-writer model.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record for sourceID, reporting whether it exists.
func (s *Store) Get(ctx context.Context, sourceID string) (watch.StateRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT watermark, recent, updated_at, revision FROM source_state WHERE source_id = ?`,
		sourceID,
	)
	var (
		rec       watch.StateRecord
		recentRaw string
		updatedAt string
	)
	rec.SourceID = sourceID
	err := row.Scan(&rec.Watermark, &recentRaw, &updatedAt, &rec.Revision)
	if err == sql.ErrNoRows {
		return watch.StateRecord{}, false, nil
	}
	if err != nil {
		return watch.StateRecord{}, false, fmt.Errorf("select source state: %w", err)
	}
	if err := json.Unmarshal([]byte(recentRaw), &rec.Recent); err != nil {
		return watch.StateRecord{}, false, fmt.Errorf("decode recent set: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return watch.StateRecord{}, false, fmt.Errorf("parse updated_at: %w", err)
	}
	rec.UpdatedAt = ts
	return rec, true, nil
}

// Put updates the record iff the stored revision matches, inserting on
// first write (revision 0).
func (s *Store) Put(ctx context.Context, record watch.StateRecord) error {
	recentRaw, err := json.Marshal(record.Recent)
	if err != nil {
		return fmt.Errorf("encode recent set: %w", err)
	}
	if record.Recent == nil {
		recentRaw = []byte("[]")
	}
	updatedAt := record.UpdatedAt.UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx,
		`UPDATE source_state
		 SET watermark = ?, recent = ?, updated_at = ?, revision = revision + 1
		 WHERE source_id = ? AND revision = ?`,
		record.Watermark, string(recentRaw), updatedAt, record.SourceID, record.Revision,
	)
	if err != nil {
		return fmt.Errorf("update source state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update source state rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if record.Revision != 0 {
		return watch.ErrRevisionConflict
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO source_state (source_id, watermark, recent, updated_at, revision)
		 VALUES (?, ?, ?, ?, 1)`,
		record.SourceID, record.Watermark, string(recentRaw), updatedAt,
	)
	if err != nil {
		// A concurrent first write beat us to the insert.
		return watch.ErrRevisionConflict
	}
	return nil
}
