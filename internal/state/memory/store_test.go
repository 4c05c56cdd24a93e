package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedsentry/feedsentry/internal/watch"
)

func TestStore_PutThenGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	require.False(t, ok)

	rec := watch.StateRecord{
		SourceID:  "alpha",
		Watermark: 100,
		Recent:    []string{"a", "b"},
		UpdatedAt: time.Unix(1000, 0).UTC(),
	}
	require.NoError(t, s.Put(ctx, rec))

	got, ok, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(100), got.Watermark)
	require.Equal(t, []string{"a", "b"}, got.Recent)
	require.Equal(t, int64(1), got.Revision)
}

func TestStore_PutRejectsStaleRevision(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	rec := watch.StateRecord{SourceID: "alpha", Watermark: 1}
	require.NoError(t, s.Put(ctx, rec))

	// A writer holding the pre-update record loses the race.
	stale := watch.StateRecord{SourceID: "alpha", Watermark: 2, Revision: 0}
	require.ErrorIs(t, s.Put(ctx, stale), watch.ErrRevisionConflict)

	fresh, _, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	fresh.Watermark = 2
	require.NoError(t, s.Put(ctx, fresh))
}

func TestStore_FirstWriteMustBeRevisionZero(t *testing.T) {
	t.Parallel()

	s := New()
	rec := watch.StateRecord{SourceID: "beta", Watermark: 5, Revision: 3}
	require.ErrorIs(t, s.Put(context.Background(), rec), watch.ErrRevisionConflict)
}

func TestStore_GetReturnsCopyOfRecentSet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, watch.StateRecord{SourceID: "alpha", Recent: []string{"x"}}))

	got, _, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	got.Recent[0] = "mutated"

	again, _, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, again.Recent)
}
