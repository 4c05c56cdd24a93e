package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_PutObject(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "alpha/2026-08-25/page.html", "text/html", []byte("<html/>"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(base, "alpha/2026-08-25/page.html"), uri)

	data, err := os.ReadFile(filepath.Join(base, "alpha/2026-08-25/page.html"))
	require.NoError(t, err)
	require.Equal(t, "<html/>", string(data))
}

func TestStore_RejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.html", "text/html", []byte("x"))
	require.Error(t, err)
}

func TestStore_RequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
