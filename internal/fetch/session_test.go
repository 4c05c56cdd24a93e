package fetch

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/watch"
)

type stubFetcher struct {
	mu        sync.Mutex
	responses []stubCall
	requests  []watch.FetchRequest
}

type stubCall struct {
	resp watch.FetchResponse
	err  error
}

func (f *stubFetcher) Fetch(_ context.Context, request watch.FetchRequest) (watch.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	if len(f.responses) == 0 {
		return watch.FetchResponse{StatusCode: http.StatusOK}, nil
	}
	call := f.responses[0]
	f.responses = f.responses[1:]
	return call.resp, call.err
}

type stubSessions struct {
	mu       sync.Mutex
	sessions []watch.Session
	err      error
	calls    int
}

func (s *stubSessions) CurrentSession(_ context.Context, _ string) (watch.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return watch.Session{}, s.err
	}
	session := s.sessions[0]
	if len(s.sessions) > 1 {
		s.sessions = s.sessions[1:]
	}
	return session, nil
}

type stubInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (i *stubInvalidator) Invalidate(credID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ids = append(i.ids, credID)
}

func bearerSession(credID, token string) watch.Session {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return watch.Session{CredentialID: credID, Token: token, Headers: h}
}

func TestAuthenticated_AppliesSessionHeaders(t *testing.T) {
	t.Parallel()

	next := &stubFetcher{}
	sessions := &stubSessions{sessions: []watch.Session{bearerSession("c1", "tok")}}
	auth := NewAuthenticated(next, sessions, nil, zap.NewNop())

	_, err := auth.Fetch(context.Background(), watch.FetchRequest{SourceID: "src", URL: "http://example.test"})
	require.NoError(t, err)
	require.Len(t, next.requests, 1)
	require.Equal(t, "Bearer tok", next.requests[0].Headers.Get("Authorization"))
}

func TestAuthenticated_AppliesCookies(t *testing.T) {
	t.Parallel()

	next := &stubFetcher{}
	sessions := &stubSessions{sessions: []watch.Session{{
		CredentialID: "c1",
		Cookies:      []*http.Cookie{{Name: "sid", Value: "abc"}},
	}}}
	auth := NewAuthenticated(next, sessions, nil, zap.NewNop())

	_, err := auth.Fetch(context.Background(), watch.FetchRequest{SourceID: "src", URL: "http://example.test"})
	require.NoError(t, err)
	require.Equal(t, "sid=abc", next.requests[0].Headers.Get("Cookie"))
}

func TestAuthenticated_RefreshOnceOnRejection(t *testing.T) {
	t.Parallel()

	next := &stubFetcher{responses: []stubCall{
		{err: watch.NewFetchError(watch.FetchAuthExpired, "src", nil)},
		{resp: watch.FetchResponse{StatusCode: http.StatusOK}},
	}}
	sessions := &stubSessions{sessions: []watch.Session{
		bearerSession("c1", "stale"),
		bearerSession("c1", "fresh"),
	}}
	invalidator := &stubInvalidator{}
	auth := NewAuthenticated(next, sessions, invalidator, zap.NewNop())

	resp, err := auth.Fetch(context.Background(), watch.FetchRequest{SourceID: "src", URL: "http://example.test"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"c1"}, invalidator.ids)
	require.Len(t, next.requests, 2)
	require.Equal(t, "Bearer fresh", next.requests[1].Headers.Get("Authorization"))
}

func TestAuthenticated_SecondRejectionSurfaces(t *testing.T) {
	t.Parallel()

	rejection := watch.NewFetchError(watch.FetchAuthExpired, "src", nil)
	next := &stubFetcher{responses: []stubCall{{err: rejection}, {err: rejection}}}
	sessions := &stubSessions{sessions: []watch.Session{bearerSession("c1", "tok")}}
	auth := NewAuthenticated(next, sessions, &stubInvalidator{}, zap.NewNop())

	_, err := auth.Fetch(context.Background(), watch.FetchRequest{SourceID: "src", URL: "http://example.test"})
	require.Error(t, err)
	require.Equal(t, watch.FetchAuthExpired, watch.FetchKind(err))
	// Exactly one refresh-and-retry, never a loop.
	require.Len(t, next.requests, 2)
}

func TestAuthenticated_SessionFailureSkipsFetch(t *testing.T) {
	t.Parallel()

	next := &stubFetcher{}
	sessions := &stubSessions{err: &watch.CredentialExpiredError{CredentialID: "c1"}}
	auth := NewAuthenticated(next, sessions, nil, zap.NewNop())

	_, err := auth.Fetch(context.Background(), watch.FetchRequest{SourceID: "src", URL: "http://example.test"})
	require.True(t, watch.IsCredentialExpired(err))
	require.Empty(t, next.requests)
}
