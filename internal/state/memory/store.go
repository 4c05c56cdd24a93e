// Package memory provides an in-memory state store for tests and
// single-process runs.
package memory

import (
	"context"
	"sync"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// Store keeps state records in a map guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	records map[string]watch.StateRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]watch.StateRecord)}
}

// Get returns the record for sourceID, reporting whether it exists.
func (s *Store) Get(_ context.Context, sourceID string) (watch.StateRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sourceID]
	if !ok {
		return watch.StateRecord{}, false, nil
	}
	rec.Recent = append([]string(nil), rec.Recent...)
	return rec, true, nil
}

// Put stores the record if its revision matches the stored one, then
// bumps the revision. A first write must carry revision 0.
func (s *Store) Put(_ context.Context, record watch.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[record.SourceID]
	if ok && current.Revision != record.Revision {
		return watch.ErrRevisionConflict
	}
	if !ok && record.Revision != 0 {
		return watch.ErrRevisionConflict
	}
	record.Revision++
	record.Recent = append([]string(nil), record.Recent...)
	s.records[record.SourceID] = record
	return nil
}
