package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedsentry/feedsentry/internal/watch"
)

func TestDirect_Fetch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "feedsentry-test", r.Header.Get("User-Agent"))
		require.Equal(t, "value", r.Header.Get("X-Extra"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	d := NewDirect(DirectConfig{UserAgent: "feedsentry-test", Timeout: 5 * time.Second})
	headers := http.Header{}
	headers.Set("X-Extra", "value")

	resp, err := d.Fetch(context.Background(), watch.FetchRequest{
		SourceID: "src",
		URL:      server.URL,
		Headers:  headers,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(resp.Body))
	require.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
	require.NotZero(t, resp.Duration)
}

func TestDirect_StatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		kind   watch.FetchErrorKind
	}{
		{http.StatusNotFound, watch.FetchNotFound},
		{http.StatusGone, watch.FetchNotFound},
		{http.StatusUnauthorized, watch.FetchAuthExpired},
		{http.StatusForbidden, watch.FetchAuthExpired},
		{http.StatusTooManyRequests, watch.FetchTransient},
		{http.StatusBadGateway, watch.FetchTransient},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			d := NewDirect(DirectConfig{Timeout: 5 * time.Second})
			_, err := d.Fetch(context.Background(), watch.FetchRequest{SourceID: "src", URL: server.URL})
			require.Error(t, err)
			require.Equal(t, tc.kind, watch.FetchKind(err))
		})
	}
}

func TestDirect_ConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()

	d := NewDirect(DirectConfig{Timeout: time.Second})
	_, err := d.Fetch(context.Background(), watch.FetchRequest{
		SourceID: "src",
		URL:      "http://127.0.0.1:1/never",
	})
	require.Error(t, err)
	require.Equal(t, watch.FetchTransient, watch.FetchKind(err))
}
