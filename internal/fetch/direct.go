// Package fetch implements the per-source fetch adapter: direct,
// authenticated, and relayed retrieval with classified failures.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// DirectConfig controls the colly collector behind the direct fetcher.
type DirectConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// Direct retrieves content with a plain HTTP request via colly.
type Direct struct {
	cfg           DirectConfig
	baseCollector *colly.Collector
}

// NewDirect builds a Direct fetcher.
func NewDirect(cfg DirectConfig) *Direct {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	// Error statuses flow through OnResponse so classification sees the
	// status code, not colly's synthesized error string.
	c.ParseHTTPErrorResponse = true
	return &Direct{cfg: cfg, baseCollector: c}
}

// Fetch executes one HTTP request and classifies the outcome.
func (d *Direct) Fetch(ctx context.Context, request watch.FetchRequest) (watch.FetchResponse, error) {
	collector := d.baseCollector.Clone()
	if d.cfg.UserAgent != "" {
		collector.UserAgent = d.cfg.UserAgent
	}
	collector.SetRequestTimeout(d.cfg.Timeout)

	var (
		result   watch.FetchResponse
		fetchErr error
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		result = watch.FetchResponse{
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       r.Body,
			FinalURL:   r.Request.URL.String(),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = classify(request.SourceID, status, err)
	})

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}

	done := make(chan error, 1)
	go func() {
		err := collector.Request(method, request.URL, bytes.NewReader(request.Body), nil, nil)
		collector.Wait()
		done <- err
	}()

	select {
	case <-ctx.Done():
		return watch.FetchResponse{}, watch.NewFetchError(
			watch.FetchTransient, request.SourceID, fmt.Errorf("fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if fetchErr != nil {
			return watch.FetchResponse{}, fetchErr
		}
		if err != nil {
			return watch.FetchResponse{}, classify(request.SourceID, 0, err)
		}
	}

	if result.StatusCode == 0 {
		return watch.FetchResponse{}, watch.NewFetchError(
			watch.FetchTransient, request.SourceID, fmt.Errorf("no response received"))
	}
	if result.StatusCode >= 400 {
		return watch.FetchResponse{}, classify(request.SourceID, result.StatusCode, nil)
	}
	return result, nil
}

// classify maps a status code or transport error onto the fetch error
// taxonomy.
func classify(sourceID string, status int, err error) error {
	if err == nil {
		err = fmt.Errorf("status %d", status)
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return watch.NewFetchError(watch.FetchNotFound, sourceID, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return watch.NewFetchError(watch.FetchAuthExpired, sourceID, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return watch.NewFetchError(watch.FetchTransient, sourceID, err)
	case status >= 400:
		return watch.NewFetchError(watch.FetchNotFound, sourceID, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return watch.NewFetchError(watch.FetchTransient, sourceID, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return watch.NewFetchError(watch.FetchTransient, sourceID, err)
	}
	return watch.NewFetchError(watch.FetchTransient, sourceID, err)
}
