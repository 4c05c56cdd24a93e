package relay

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/watch"
)

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("req-%d", g.n), nil
}

func startServer(t *testing.T, factory SessionFactory) (*Server, context.CancelFunc) {
	t.Helper()
	server := newTestServer(factory, &fakeClock{now: time.Unix(1000, 0)}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Serve(ctx) }()
	require.Eventually(t, func() bool { return server.Addr() != "" }, time.Second, 5*time.Millisecond)
	return server, cancel
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{navigate: func(_ context.Context, request watch.FetchRequest) (watch.FetchResponse, error) {
		require.Equal(t, "http://example.test/feed", request.URL)
		resp := okResponse("<html>rendered</html>")
		resp.FinalURL = request.URL
		return resp, nil
	}}
	server, cancel := startServer(t, factory)
	defer cancel()

	client := NewClient(ClientConfig{Addr: server.Addr(), RequestTimeout: 5 * time.Second}, &seqIDs{}, zap.NewNop())
	defer client.Close()

	resp, err := client.Fetch(context.Background(), watch.FetchRequest{
		SourceID: "zk",
		URL:      "http://example.test/feed",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>rendered</html>", string(resp.Body))
	require.Equal(t, "http://example.test/feed", resp.FinalURL)
}

func TestClient_ErrorFramesKeepTheirReason(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{navigate: func(_ context.Context, _ watch.FetchRequest) (watch.FetchResponse, error) {
		return watch.FetchResponse{}, watch.NewRelayError(watch.RelayChallengeUnresolved, "zk", fmt.Errorf("blocked"))
	}}
	server, cancel := startServer(t, factory)
	defer cancel()

	client := NewClient(ClientConfig{Addr: server.Addr(), RequestTimeout: 5 * time.Second}, &seqIDs{}, zap.NewNop())
	defer client.Close()

	_, err := client.Fetch(context.Background(), watch.FetchRequest{SourceID: "zk", URL: "http://example.test"})
	require.Equal(t, watch.RelayChallengeUnresolved, watch.RelayReasonOf(err))
}

func TestClient_TimeoutWhenServerSilent(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	factory := &fakeFactory{navigate: func(ctx context.Context, _ watch.FetchRequest) (watch.FetchResponse, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return okResponse("late"), nil
	}}
	server, cancel := startServer(t, factory)
	defer cancel()

	client := NewClient(ClientConfig{Addr: server.Addr(), RequestTimeout: 50 * time.Millisecond}, &seqIDs{}, zap.NewNop())
	defer client.Close()

	_, err := client.Fetch(context.Background(), watch.FetchRequest{SourceID: "zk", URL: "http://example.test"})
	require.Equal(t, watch.RelayTimeout, watch.RelayReasonOf(err))
}

func TestClient_DialFailureIsSessionLost(t *testing.T) {
	t.Parallel()

	client := NewClient(ClientConfig{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, &seqIDs{}, zap.NewNop())
	_, err := client.Fetch(context.Background(), watch.FetchRequest{SourceID: "zk", URL: "http://example.test"})
	require.Equal(t, watch.RelaySessionLost, watch.RelayReasonOf(err))
}
