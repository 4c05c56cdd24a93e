package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/watch"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSession struct {
	navigate func(ctx context.Context, request watch.FetchRequest) (watch.FetchResponse, error)
	closed   atomic.Bool
}

func (s *fakeSession) Navigate(ctx context.Context, request watch.FetchRequest) (watch.FetchResponse, error) {
	return s.navigate(ctx, request)
}

func (s *fakeSession) Close() { s.closed.Store(true) }

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	navigate func(ctx context.Context, request watch.FetchRequest) (watch.FetchResponse, error)
}

func (f *fakeFactory) NewSession(_ context.Context, _ string) (BrowserSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{navigate: f.navigate}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func okResponse(body string) watch.FetchResponse {
	return watch.FetchResponse{StatusCode: http.StatusOK, Headers: http.Header{}, Body: []byte(body)}
}

func newTestServer(factory SessionFactory, clock watch.Clock, cacheTTL time.Duration) *Server {
	return NewServer(ServerConfig{
		Addr:           "127.0.0.1:0",
		RequestTimeout: 5 * time.Second,
		CacheTTL:       cacheTTL,
	}, factory, clock, zap.NewNop())
}

func TestServer_SerializesRequestsPerSource(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight atomic.Int32
	factory := &fakeFactory{navigate: func(ctx context.Context, _ watch.FetchRequest) (watch.FetchResponse, error) {
		current := inFlight.Add(1)
		for {
			seen := maxInFlight.Load()
			if current <= seen || maxInFlight.CompareAndSwap(seen, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return okResponse("ok"), nil
	}}
	server := newTestServer(factory, &fakeClock{now: time.Unix(1000, 0)}, 0)

	const callers = 4
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result := server.execute(context.Background(), watch.FetchRequest{
				SourceID: "zk",
				URL:      fmt.Sprintf("http://example.test/page/%d", i),
			})
			require.NoError(t, result.err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), maxInFlight.Load())
	// The session is pinned, not reopened per request.
	require.Equal(t, 1, factory.created())
}

func TestServer_RebuildsLostSessionAndReplays(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	factory := &fakeFactory{navigate: func(_ context.Context, _ watch.FetchRequest) (watch.FetchResponse, error) {
		if calls.Add(1) == 1 {
			return watch.FetchResponse{}, watch.NewRelayError(watch.RelaySessionLost, "zk", fmt.Errorf("tab crashed"))
		}
		return okResponse("recovered"), nil
	}}
	server := newTestServer(factory, &fakeClock{now: time.Unix(1000, 0)}, 0)

	result := server.execute(context.Background(), watch.FetchRequest{SourceID: "zk", URL: "http://example.test"})
	require.NoError(t, result.err)
	require.Equal(t, "recovered", string(result.resp.Body))
	require.Equal(t, 2, factory.created())
	require.True(t, factory.sessions[0].closed.Load())
}

func TestServer_SecondLossSurfaces(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{navigate: func(_ context.Context, _ watch.FetchRequest) (watch.FetchResponse, error) {
		return watch.FetchResponse{}, watch.NewRelayError(watch.RelaySessionLost, "zk", fmt.Errorf("tab crashed"))
	}}
	server := newTestServer(factory, &fakeClock{now: time.Unix(1000, 0)}, 0)

	result := server.execute(context.Background(), watch.FetchRequest{SourceID: "zk", URL: "http://example.test"})
	require.Equal(t, watch.RelaySessionLost, watch.RelayReasonOf(result.err))
	require.Equal(t, 2, factory.created())
}

func TestServer_ChallengeIsNotReplayed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	factory := &fakeFactory{navigate: func(_ context.Context, _ watch.FetchRequest) (watch.FetchResponse, error) {
		calls.Add(1)
		return watch.FetchResponse{}, watch.NewRelayError(watch.RelayChallengeUnresolved, "zk", fmt.Errorf("still blocked"))
	}}
	server := newTestServer(factory, &fakeClock{now: time.Unix(1000, 0)}, 0)

	result := server.execute(context.Background(), watch.FetchRequest{SourceID: "zk", URL: "http://example.test"})
	require.Equal(t, watch.RelayChallengeUnresolved, watch.RelayReasonOf(result.err))
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 1, factory.created())
}

func TestServer_CacheServesRepeatWithinTTL(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	var calls atomic.Int32
	factory := &fakeFactory{navigate: func(_ context.Context, _ watch.FetchRequest) (watch.FetchResponse, error) {
		calls.Add(1)
		return okResponse("page"), nil
	}}
	server := newTestServer(factory, clock, time.Minute)

	request := watch.FetchRequest{SourceID: "zk", URL: "http://example.test"}
	first := server.execute(context.Background(), request)
	require.NoError(t, first.err)
	second := server.execute(context.Background(), request)
	require.NoError(t, second.err)
	require.Equal(t, int32(1), calls.Load())

	clock.advance(2 * time.Minute)
	third := server.execute(context.Background(), request)
	require.NoError(t, third.err)
	require.Equal(t, int32(2), calls.Load())
}
