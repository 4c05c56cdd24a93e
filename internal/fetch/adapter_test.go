package fetch

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/watch"
)

func fastPolicy() watch.RetryPolicy {
	return watch.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond)
}

func TestAdapter_DirectStrategy(t *testing.T) {
	t.Parallel()

	direct := &stubFetcher{}
	adapter := NewAdapter(direct, nil, nil, fastPolicy(), zap.NewNop())

	resp, err := adapter.FetchSource(context.Background(), watch.Source{ID: "src", URL: "http://example.test"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, direct.requests, 1)
	require.Equal(t, "http://example.test", direct.requests[0].URL)
}

func TestAdapter_TransientErrorsRetry(t *testing.T) {
	t.Parallel()

	direct := &stubFetcher{responses: []stubCall{
		{err: watch.NewFetchError(watch.FetchTransient, "src", nil)},
		{err: watch.NewFetchError(watch.FetchTransient, "src", nil)},
		{resp: watch.FetchResponse{StatusCode: http.StatusOK}},
	}}
	adapter := NewAdapter(direct, nil, nil, fastPolicy(), zap.NewNop())

	resp, err := adapter.FetchSource(context.Background(), watch.Source{ID: "src", URL: "http://example.test"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, direct.requests, 3)
}

func TestAdapter_NotFoundDoesNotRetry(t *testing.T) {
	t.Parallel()

	direct := &stubFetcher{responses: []stubCall{
		{err: watch.NewFetchError(watch.FetchNotFound, "src", nil)},
	}}
	adapter := NewAdapter(direct, nil, nil, fastPolicy(), zap.NewNop())

	_, err := adapter.FetchSource(context.Background(), watch.Source{ID: "src", URL: "http://example.test"})
	require.Equal(t, watch.FetchNotFound, watch.FetchKind(err))
	require.Len(t, direct.requests, 1)
}

func TestAdapter_AuthenticatedStrategyRoutes(t *testing.T) {
	t.Parallel()

	direct := &stubFetcher{}
	auth := &stubFetcher{}
	adapter := NewAdapter(direct, auth, nil, fastPolicy(), zap.NewNop())

	_, err := adapter.FetchSource(context.Background(), watch.Source{
		ID:       "src",
		URL:      "http://example.test",
		Strategy: watch.StrategyAuthenticated,
	})
	require.NoError(t, err)
	require.Empty(t, direct.requests)
	require.Len(t, auth.requests, 1)
}

func TestAdapter_RelayFallback(t *testing.T) {
	t.Parallel()

	direct := &stubFetcher{}
	relay := &stubFetcher{responses: []stubCall{
		{err: watch.NewRelayError(watch.RelaySessionLost, "src", nil)},
	}}
	adapter := NewAdapter(direct, nil, relay, fastPolicy(), zap.NewNop())

	resp, err := adapter.FetchSource(context.Background(), watch.Source{
		ID:            "src",
		URL:           "http://example.test",
		Strategy:      watch.StrategyRelayed,
		RelayFallback: true,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, relay.requests, 1)
	require.Len(t, direct.requests, 1)
}

func TestAdapter_RelayFailureWithoutFallbackSurfaces(t *testing.T) {
	t.Parallel()

	direct := &stubFetcher{}
	relay := &stubFetcher{responses: []stubCall{
		{err: watch.NewRelayError(watch.RelayChallengeUnresolved, "src", nil)},
	}}
	adapter := NewAdapter(direct, nil, relay, fastPolicy(), zap.NewNop())

	_, err := adapter.FetchSource(context.Background(), watch.Source{
		ID:       "src",
		URL:      "http://example.test",
		Strategy: watch.StrategyRelayed,
	})
	require.Equal(t, watch.RelayChallengeUnresolved, watch.RelayReasonOf(err))
	require.Empty(t, direct.requests)
}

func TestAdapter_UnknownStrategy(t *testing.T) {
	t.Parallel()

	adapter := NewAdapter(&stubFetcher{}, nil, nil, fastPolicy(), zap.NewNop())
	_, err := adapter.FetchSource(context.Background(), watch.Source{ID: "src", Strategy: "teleport"})
	require.Error(t, err)
}
