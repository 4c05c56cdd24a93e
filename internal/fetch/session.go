package fetch

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// Invalidator marks a credential as unusable so the next session lookup
// refreshes it. Satisfied by creds.Manager.
type Invalidator interface {
	Invalidate(credID string)
}

// Authenticated decorates a Fetcher with session material resolved per
// source. A 401/403 response invalidates the credential and retries the
// request once with a freshly refreshed session.
type Authenticated struct {
	next        watch.Fetcher
	sessions    watch.SessionManager
	invalidator Invalidator
	logger      *zap.Logger
}

// NewAuthenticated builds the session-aware fetcher. invalidator may be
// nil when the session manager has no refresh path.
func NewAuthenticated(next watch.Fetcher, sessions watch.SessionManager, invalidator Invalidator, logger *zap.Logger) *Authenticated {
	return &Authenticated{next: next, sessions: sessions, invalidator: invalidator, logger: logger}
}

// Fetch resolves the source's session, applies it to the request, and
// delegates. Expired-session responses get exactly one refresh-and-retry.
func (a *Authenticated) Fetch(ctx context.Context, request watch.FetchRequest) (watch.FetchResponse, error) {
	session, err := a.sessions.CurrentSession(ctx, request.SourceID)
	if err != nil {
		return watch.FetchResponse{}, err
	}

	resp, err := a.next.Fetch(ctx, applySession(request, session))
	if err == nil || watch.FetchKind(err) != watch.FetchAuthExpired {
		return resp, err
	}

	// The server rejected material our validity policy still considered
	// good. Invalidate and retry once with a forced refresh.
	a.logger.Warn("session rejected upstream, refreshing",
		zap.String("source", request.SourceID),
		zap.String("credential", session.CredentialID),
	)
	if a.invalidator != nil {
		a.invalidator.Invalidate(session.CredentialID)
	}
	session, err = a.sessions.CurrentSession(ctx, request.SourceID)
	if err != nil {
		return watch.FetchResponse{}, err
	}
	return a.next.Fetch(ctx, applySession(request, session))
}

// applySession copies session headers and cookies onto a request without
// mutating the caller's header map.
func applySession(request watch.FetchRequest, session watch.Session) watch.FetchRequest {
	headers := http.Header{}
	for key, values := range request.Headers {
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	for key, values := range session.Headers {
		for _, v := range values {
			headers.Set(key, v)
		}
	}
	for _, cookie := range session.Cookies {
		headers.Add("Cookie", cookie.String())
	}
	request.Headers = headers
	return request
}
