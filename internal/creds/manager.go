// Package creds manages per-source credential lifecycle: lazy validity
// checks, refresh-on-demand, and single-flight collapse of concurrent
// refreshes for the same credential.
package creds

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/feedsentry/feedsentry/internal/metrics"
	"github.com/feedsentry/feedsentry/internal/watch"
)

// Refresher executes a credential's refresh procedure (typically a fetch
// against a login endpoint) and returns the renewed material.
type Refresher interface {
	Refresh(ctx context.Context, cred watch.Credential) (Material, error)
}

// Material is the renewed secret state produced by a refresh.
type Material struct {
	Token   string
	Cookies []*http.Cookie
}

// defaultValidityWindow applies to refreshable credentials configured
// without one. A windowless credential could never validate after a
// refresh, and every poll cycle would log in again.
const defaultValidityWindow = time.Hour

// Manager implements watch.SessionManager over a static credential set.
type Manager struct {
	mu        sync.RWMutex
	creds     map[string]*watch.Credential
	bySource  map[string]string
	refresher Refresher
	clock     watch.Clock
	reporter  watch.Reporter
	logger    *zap.Logger
	group     singleflight.Group
}

// New builds a Manager. sources maps source id to credential id;
// credentials are indexed by their own id. reporter may be nil.
func New(
	credentials []watch.Credential,
	sources map[string]string,
	refresher Refresher,
	clock watch.Clock,
	reporter watch.Reporter,
	logger *zap.Logger,
) *Manager {
	index := make(map[string]*watch.Credential, len(credentials))
	for i := range credentials {
		c := credentials[i]
		if c.Window <= 0 && c.Policy != watch.ValidityManualRefresh {
			c.Window = defaultValidityWindow
		}
		index[c.ID] = &c
	}
	return &Manager{
		creds:     index,
		bySource:  sources,
		refresher: refresher,
		clock:     clock,
		reporter:  reporter,
		logger:    logger,
	}
}

// CurrentSession returns a valid session for the source, refreshing the
// backing credential first when its validity policy says it has lapsed.
// Two concurrent calls hitting the same expired credential trigger one
// refresh; the loser waits on the winner's result.
func (m *Manager) CurrentSession(ctx context.Context, sourceID string) (watch.Session, error) {
	credID, ok := m.bySource[sourceID]
	if !ok {
		return watch.Session{}, fmt.Errorf("no credential mapped for source %s", sourceID)
	}

	m.mu.RLock()
	cred, ok := m.creds[credID]
	if !ok {
		m.mu.RUnlock()
		return watch.Session{}, fmt.Errorf("unknown credential %s", credID)
	}
	valid := m.isValid(*cred)
	snapshot := *cred
	m.mu.RUnlock()

	if valid {
		return m.buildSession(snapshot)
	}
	return m.refresh(ctx, sourceID, credID)
}

// Invalidate forces the next CurrentSession for the credential to
// refresh. Used by the fetch adapter on AuthExpired responses.
func (m *Manager) Invalidate(credID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cred, ok := m.creds[credID]; ok {
		cred.LastRefreshed = time.Time{}
		cred.ExpiresAt = time.Time{}
	}
}

// CredentialFor exposes the credential id mapped to a source.
func (m *Manager) CredentialFor(sourceID string) (string, bool) {
	id, ok := m.bySource[sourceID]
	return id, ok
}

func (m *Manager) isValid(cred watch.Credential) bool {
	now := m.clock.Now()
	switch cred.Policy {
	case watch.ValidityFixedExpiry, watch.ValidityManualRefresh:
		return !cred.ExpiresAt.IsZero() && now.Before(cred.ExpiresAt)
	case watch.ValidityRollingWindow:
		if cred.LastRefreshed.IsZero() || cred.Window <= 0 {
			return false
		}
		return now.Before(cred.LastRefreshed.Add(cred.Window))
	default:
		return false
	}
}

func (m *Manager) refresh(ctx context.Context, sourceID, credID string) (watch.Session, error) {
	result, err, _ := m.group.Do(credID, func() (any, error) {
		m.mu.RLock()
		cred := *m.creds[credID]
		m.mu.RUnlock()

		// Re-check under single-flight: a concurrent winner may have
		// already refreshed while we queued.
		if m.isValid(cred) {
			return cred, nil
		}

		if cred.Policy == watch.ValidityManualRefresh {
			note := cred.RotationNote
			if note == "" {
				note = "manual rotation required"
			}
			m.report(sourceID, watch.ClassDegraded,
				fmt.Sprintf("credential %s requires manual rotation (%s)", credID, note))
			return watch.Credential{}, &watch.CredentialExpiredError{
				CredentialID: credID,
				Err:          fmt.Errorf("manual rotation required: %s", note),
			}
		}
		if m.refresher == nil {
			return watch.Credential{}, &watch.CredentialExpiredError{
				CredentialID: credID,
				Err:          fmt.Errorf("no refresher configured"),
			}
		}

		material, err := m.refresher.Refresh(ctx, cred)
		metrics.ObserveCredentialRefresh(credID, err)
		if err != nil {
			m.report(sourceID, watch.ClassDegraded,
				fmt.Sprintf("credential %s refresh failed: %v", credID, err))
			return watch.Credential{}, &watch.CredentialExpiredError{CredentialID: credID, Err: err}
		}

		m.mu.Lock()
		stored := m.creds[credID]
		if material.Token != "" {
			if stored.Secret == nil {
				stored.Secret = map[string]string{}
			}
			stored.Secret["token"] = material.Token
		}
		if len(material.Cookies) > 0 {
			raw, marshalErr := json.Marshal(material.Cookies)
			if marshalErr == nil {
				if stored.Secret == nil {
					stored.Secret = map[string]string{}
				}
				stored.Secret["cookies"] = string(raw)
			}
		}
		stored.LastRefreshed = m.clock.Now()
		if stored.Policy == watch.ValidityFixedExpiry {
			stored.ExpiresAt = stored.LastRefreshed.Add(stored.Window)
		}
		refreshed := *stored
		m.mu.Unlock()

		m.logger.Info("credential refreshed",
			zap.String("credential", credID),
			zap.String("source", sourceID),
		)
		return refreshed, nil
	})
	if err != nil {
		return watch.Session{}, err
	}
	return m.buildSession(result.(watch.Credential))
}

func (m *Manager) buildSession(cred watch.Credential) (watch.Session, error) {
	session := watch.Session{
		CredentialID: cred.ID,
		Headers:      http.Header{},
		RefreshedAt:  cred.LastRefreshed,
	}
	switch cred.Kind {
	case watch.CredentialBasic:
		user := cred.Secret["username"]
		pass := cred.Secret["password"]
		if user == "" {
			return watch.Session{}, fmt.Errorf("credential %s missing username", cred.ID)
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		session.Headers.Set("Authorization", "Basic "+encoded)
	case watch.CredentialToken:
		token := cred.Secret["token"]
		if token == "" {
			return watch.Session{}, fmt.Errorf("credential %s missing token", cred.ID)
		}
		session.Token = token
		session.Headers.Set("Authorization", "Bearer "+token)
	case watch.CredentialCookieJar:
		raw := cred.Secret["cookies"]
		if raw == "" {
			return watch.Session{}, fmt.Errorf("credential %s missing cookie snapshot", cred.ID)
		}
		var cookies []*http.Cookie
		if err := json.Unmarshal([]byte(raw), &cookies); err != nil {
			return watch.Session{}, fmt.Errorf("decode cookie snapshot for %s: %w", cred.ID, err)
		}
		session.Cookies = cookies
	default:
		return watch.Session{}, fmt.Errorf("credential %s has unknown kind %q", cred.ID, cred.Kind)
	}
	return session, nil
}

func (m *Manager) report(sourceID string, class watch.ErrorClass, detail string) {
	if m.reporter == nil {
		return
	}
	m.reporter.Report(sourceID, class, detail)
}
