package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// ChromeConfig controls the headless browser behind the relay.
type ChromeConfig struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// ChallengeWait is how long a navigation is given to clear an
	// interstitial anti-bot challenge before giving up.
	ChallengeWait time.Duration
}

// ChromeFactory creates chromedp-backed browser sessions sharing one
// exec allocator (one Chrome process, one tab per source).
type ChromeFactory struct {
	cfg         ChromeConfig
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromeFactory launches the shared allocator.
func NewChromeFactory(cfg ChromeConfig, logger *zap.Logger) *ChromeFactory {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ChallengeWait <= 0 {
		cfg.ChallengeWait = 5 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromeFactory{
		cfg:         cfg,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// Close tears down the allocator and every tab created from it.
func (f *ChromeFactory) Close() {
	f.allocCancel()
}

// NewSession opens a fresh tab pinned to the source.
func (f *ChromeFactory) NewSession(_ context.Context, sourceID string) (BrowserSession, error) {
	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	// Materialize the tab now so a broken Chrome install fails fast
	// instead of on the first navigation.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open browser tab for %s: %w", sourceID, err)
	}
	f.logger.Info("browser session opened", zap.String("source", sourceID))
	return &chromeSession{
		cfg:      f.cfg,
		sourceID: sourceID,
		tabCtx:   tabCtx,
		cancel:   tabCancel,
	}, nil
}

type chromeSession struct {
	cfg      ChromeConfig
	sourceID string
	tabCtx   context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
}

func (s *chromeSession) Close() {
	s.cancel()
}

// Navigate loads the URL in the pinned tab and returns the rendered DOM.
// Interstitial challenges get one extra settle window; a challenge that
// survives it is surfaced as unresolved rather than retried forever.
func (s *chromeSession) Navigate(ctx context.Context, request watch.FetchRequest) (watch.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tabCtx.Err(); err != nil {
		return watch.FetchResponse{}, watch.NewRelayError(watch.RelaySessionLost, s.sourceID, err)
	}

	navCtx, cancel := context.WithTimeout(s.tabCtx, s.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(navCtx, meta.captureEvent)

	start := time.Now()
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		s.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(navCtx, actions...); err != nil {
		return watch.FetchResponse{}, s.classifyRunError(ctx, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if isChallengeStatus(status) {
		status, headers, responseURL, html = s.waitOutChallenge(navCtx, meta, request.URL, finalURL, html)
		if isChallengeStatus(status) {
			return watch.FetchResponse{}, watch.NewRelayError(watch.RelayChallengeUnresolved, s.sourceID,
				fmt.Errorf("challenge still active after %s (status %d)", s.cfg.ChallengeWait, status))
		}
	}

	return watch.FetchResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		FinalURL:   responseURL,
		Duration:   time.Since(start),
	}, nil
}

// waitOutChallenge gives the page one settle window to clear a 403/503
// interstitial, then re-reads location and DOM.
func (s *chromeSession) waitOutChallenge(ctx context.Context, meta *responseMeta, requestURL, finalURL, html string) (int, http.Header, string, string) {
	var refreshedURL string
	actions := []chromedp.Action{
		chromedp.Sleep(s.cfg.ChallengeWait),
		chromedp.Location(&refreshedURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err == nil && refreshedURL != "" {
		finalURL = refreshedURL
	}
	status, headers, responseURL := meta.snapshotWithFallbacks(requestURL, finalURL)
	return status, headers, responseURL, html
}

func (s *chromeSession) classifyRunError(callerCtx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return watch.NewRelayError(watch.RelayTimeout, s.sourceID, err)
	case callerCtx.Err() != nil:
		return watch.NewRelayError(watch.RelayTimeout, s.sourceID, callerCtx.Err())
	default:
		// The tab's state after an unexplained run failure is unknown;
		// treat the session as gone so the server rebuilds it.
		return watch.NewRelayError(watch.RelaySessionLost, s.sourceID, err)
	}
}

func (s *chromeSession) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func isChallengeStatus(status int) bool {
	return status == http.StatusForbidden || status == http.StatusServiceUnavailable
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status := m.status
	headers := m.headers.Clone()
	url := m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
