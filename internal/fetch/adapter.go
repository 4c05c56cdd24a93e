package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// Adapter routes each source to its configured fetch strategy and wraps
// the attempt in the retry policy. Relayed sources may fall back to a
// direct fetch when the relay path fails and the source allows it.
type Adapter struct {
	direct watch.Fetcher
	auth   watch.Fetcher
	relay  watch.Fetcher
	policy watch.RetryPolicy
	logger *zap.Logger
}

// NewAdapter builds the strategy router. relay may be nil when no relay
// is configured; relayed sources then error unless they allow fallback.
func NewAdapter(direct, auth, relay watch.Fetcher, policy watch.RetryPolicy, logger *zap.Logger) *Adapter {
	return &Adapter{direct: direct, auth: auth, relay: relay, policy: policy, logger: logger}
}

// FetchSource retrieves the source's content using its strategy.
func (a *Adapter) FetchSource(ctx context.Context, source watch.Source) (watch.FetchResponse, error) {
	request := watch.FetchRequest{
		SourceID: source.ID,
		Method:   http.MethodGet,
		URL:      source.URL,
	}

	fetcher, err := a.fetcherFor(source)
	if err != nil {
		return watch.FetchResponse{}, err
	}

	resp, err := a.fetchWithRetry(ctx, fetcher, request)
	if err == nil {
		return resp, nil
	}

	// Relay failures may be recoverable through the plain path when the
	// source tolerates fetching without a real browser.
	if source.Strategy == watch.StrategyRelayed && source.RelayFallback && watch.RelayReasonOf(err) != "" {
		a.logger.Warn("relay failed, falling back to direct fetch",
			zap.String("source", source.ID),
			zap.Error(err),
		)
		return a.fetchWithRetry(ctx, a.direct, request)
	}
	return watch.FetchResponse{}, err
}

func (a *Adapter) fetcherFor(source watch.Source) (watch.Fetcher, error) {
	switch source.Strategy {
	case watch.StrategyDirect, "":
		return a.direct, nil
	case watch.StrategyAuthenticated:
		if a.auth == nil {
			return nil, fmt.Errorf("source %s needs authentication but no session manager is configured", source.ID)
		}
		return a.auth, nil
	case watch.StrategyRelayed:
		if a.relay == nil {
			if source.RelayFallback {
				return a.direct, nil
			}
			return nil, fmt.Errorf("source %s needs the relay but none is configured", source.ID)
		}
		return a.relay, nil
	default:
		return nil, fmt.Errorf("source %s has unknown fetch strategy %q", source.ID, source.Strategy)
	}
}

func (a *Adapter) fetchWithRetry(ctx context.Context, fetcher watch.Fetcher, request watch.FetchRequest) (watch.FetchResponse, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		resp, err := fetcher.Fetch(ctx, request)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !a.policy.ShouldRetry(err, attempt) {
			break
		}
		delay := a.policy.Backoff(attempt)
		a.logger.Debug("retrying fetch",
			zap.String("source", request.SourceID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return watch.FetchResponse{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return watch.FetchResponse{}, lastErr
}
