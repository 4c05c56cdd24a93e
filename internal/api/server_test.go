package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/metrics"
	statememory "github.com/feedsentry/feedsentry/internal/state/memory"
	"github.com/feedsentry/feedsentry/internal/watch"
)

func newTestServer(t *testing.T) (*Server, *statememory.Store) {
	t.Helper()
	metrics.Init()
	store := statememory.New()
	sources := []watch.Source{
		{ID: "alpha", URL: "https://alpha.example.test", Strategy: watch.StrategyDirect, Scheme: watch.SchemeMonotonic, Cadence: "30s", Channels: []string{"telegram"}},
	}
	return NewServer(sources, store, zap.NewNop()), store
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ListSources(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []sourceSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "alpha", got[0].ID)
	require.Equal(t, "direct", got[0].Strategy)
}

func TestServer_SourceState(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t)
	require.NoError(t, store.Put(context.Background(), watch.StateRecord{
		SourceID:  "alpha",
		Watermark: 102,
		UpdatedAt: time.Unix(1700000000, 0).UTC(),
	}))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/alpha/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var record watch.StateRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	require.Equal(t, int64(102), record.Watermark)
}

func TestServer_SourceStateBeforeFirstCycle(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/alpha/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var record watch.StateRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	require.Zero(t, record.Watermark)
}

func TestServer_UnknownSourceIs404(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/ghost/state", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
