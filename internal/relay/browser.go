package relay

import (
	"context"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// BrowserSession is one long-lived browser tab bound to a source. The
// tab keeps cookies and cleared anti-bot state across navigations, which
// is the whole point of pinning a session per source.
type BrowserSession interface {
	Navigate(ctx context.Context, request watch.FetchRequest) (watch.FetchResponse, error)
	Close()
}

// SessionFactory creates browser sessions on demand. Sessions are
// created lazily on a source's first relayed request and recreated after
// a loss.
type SessionFactory interface {
	NewSession(ctx context.Context, sourceID string) (BrowserSession, error)
}
