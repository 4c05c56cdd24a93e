// Package detect implements change detection against the state store.
//
// Detect is a pure diff: it never mutates state. Commit advances the
// ledger for events Detect returned. The poller orders the two around
// notification fanout so a crash between fetch and commit re-emits on
// the next cycle (at-least-once), while the deterministic dedup key keeps
// downstream consumers idempotent.
package detect

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/hash/sha256"
	"github.com/feedsentry/feedsentry/internal/watch"
)

// DefaultWindow bounds the recent-identity set kept for hash-scheme
// sources.
const DefaultWindow = 512

const commitAttempts = 3

// Detector diffs fetched identifiers against persisted state.
type Detector struct {
	store  watch.StateStore
	clock  watch.Clock
	ids    watch.IDGenerator
	window int
	logger *zap.Logger
}

// New constructs a Detector. window caps the recent-identity set for
// hash-scheme sources; <= 0 selects DefaultWindow.
func New(store watch.StateStore, clock watch.Clock, ids watch.IDGenerator, window int, logger *zap.Logger) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Detector{
		store:  store,
		clock:  clock,
		ids:    ids,
		window: window,
		logger: logger,
	}
}

// Detect returns one ContentEvent per item absent from the source's
// recorded state, in the order the items were discovered. State is not
// advanced; call Commit once delivery has been attempted.
func (d *Detector) Detect(ctx context.Context, source watch.Source, items []watch.FetchedItem) ([]watch.ContentEvent, error) {
	record, ok, err := d.store.Get(ctx, source.ID)
	if err != nil {
		return nil, fmt.Errorf("load state for %s: %w", source.ID, err)
	}
	if !ok {
		record = watch.StateRecord{SourceID: source.ID, Watermark: source.StartingID}
	}

	var events []watch.ContentEvent
	switch source.Scheme {
	case watch.SchemeMonotonic:
		events, err = d.detectMonotonic(source, record, items)
	default:
		events, err = d.detectHash(source, record, items)
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (d *Detector) detectMonotonic(source watch.Source, record watch.StateRecord, items []watch.FetchedItem) ([]watch.ContentEvent, error) {
	events := make([]watch.ContentEvent, 0, len(items))
	seen := make(map[int64]struct{}, len(items))
	for _, item := range items {
		id, err := strconv.ParseInt(item.Identity, 10, 64)
		if err != nil {
			d.logger.Warn("non-numeric identity on monotonic source",
				zap.String("source", source.ID),
				zap.String("identity", item.Identity),
			)
			continue
		}
		if id <= record.Watermark {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ev, err := d.newEvent(source.ID, item)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (d *Detector) detectHash(source watch.Source, record watch.StateRecord, items []watch.FetchedItem) ([]watch.ContentEvent, error) {
	known := make(map[string]struct{}, len(record.Recent)+len(items))
	for _, id := range record.Recent {
		known[id] = struct{}{}
	}
	events := make([]watch.ContentEvent, 0, len(items))
	for _, item := range items {
		if item.Identity == "" {
			continue
		}
		if _, ok := known[item.Identity]; ok {
			continue
		}
		known[item.Identity] = struct{}{}
		ev, err := d.newEvent(source.ID, item)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (d *Detector) newEvent(sourceID string, item watch.FetchedItem) (watch.ContentEvent, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return watch.ContentEvent{}, fmt.Errorf("event id: %w", err)
	}
	return watch.ContentEvent{
		ID:           id,
		SourceID:     sourceID,
		Identity:     item.Identity,
		DedupKey:     sha256.DedupKey(sourceID, item.Identity),
		Tickers:      item.Tickers,
		Excerpt:      item.Excerpt,
		URL:          item.URL,
		DiscoveredAt: d.clock.Now(),
	}, nil
}

// Commit marks the events' identities as seen, advancing the watermark
// for monotonic sources and appending to the bounded recent set for
// hash-scheme sources. The state record never regresses.
func (d *Detector) Commit(ctx context.Context, source watch.Source, events []watch.ContentEvent) error {
	if len(events) == 0 {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		record, ok, err := d.store.Get(ctx, source.ID)
		if err != nil {
			return fmt.Errorf("load state for commit %s: %w", source.ID, err)
		}
		if !ok {
			record = watch.StateRecord{SourceID: source.ID, Watermark: source.StartingID}
		}

		switch source.Scheme {
		case watch.SchemeMonotonic:
			for _, ev := range events {
				id, err := strconv.ParseInt(ev.Identity, 10, 64)
				if err != nil {
					continue
				}
				if id > record.Watermark {
					record.Watermark = id
				}
			}
		default:
			record.Recent = appendBounded(record.Recent, events, d.window)
		}
		record.UpdatedAt = d.clock.Now()

		lastErr = d.store.Put(ctx, record)
		if lastErr == nil {
			return nil
		}
		if lastErr != watch.ErrRevisionConflict {
			return fmt.Errorf("commit state for %s: %w", source.ID, lastErr)
		}
	}
	return fmt.Errorf("commit state for %s: %w", source.ID, lastErr)
}

func appendBounded(recent []string, events []watch.ContentEvent, window int) []string {
	known := make(map[string]struct{}, len(recent))
	for _, id := range recent {
		known[id] = struct{}{}
	}
	for _, ev := range events {
		if _, ok := known[ev.Identity]; ok {
			continue
		}
		known[ev.Identity] = struct{}{}
		recent = append(recent, ev.Identity)
	}
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	return recent
}
