package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedsentry/feedsentry/internal/watch"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	require.False(t, ok)

	rec := watch.StateRecord{
		SourceID:  "alpha",
		Watermark: 44640,
		Recent:    []string{"h1", "h2"},
		UpdatedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, s.Put(ctx, rec))

	got, ok, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.Watermark, got.Watermark)
	require.Equal(t, rec.Recent, got.Recent)
	require.Equal(t, rec.UpdatedAt, got.UpdatedAt)
	require.Equal(t, int64(1), got.Revision)
}

func TestStore_CompareAndSwap(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, watch.StateRecord{SourceID: "alpha", Watermark: 1, UpdatedAt: time.Now()}))

	stale := watch.StateRecord{SourceID: "alpha", Watermark: 9, UpdatedAt: time.Now(), Revision: 0}
	require.ErrorIs(t, s.Put(ctx, stale), watch.ErrRevisionConflict)

	fresh, _, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	fresh.Watermark = 9
	require.NoError(t, s.Put(ctx, fresh))

	got, _, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, int64(9), got.Watermark)
	require.Equal(t, int64(2), got.Revision)
}

func TestStore_EmptyRecentSet(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, watch.StateRecord{SourceID: "bare", UpdatedAt: time.Now()}))
	got, ok, err := s.Get(ctx, "bare")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got.Recent)
}
