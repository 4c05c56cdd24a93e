package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// LoginRefresher renews a credential by posting its secret material to
// the source's login endpoint. The endpoint either returns a JSON body
// carrying a bearer token or sets session cookies; both are captured.
type LoginRefresher struct {
	fetcher watch.Fetcher
}

// NewLoginRefresher builds a refresher on top of any Fetcher, so the
// login call inherits the same timeout and retry behavior as content
// fetches.
func NewLoginRefresher(fetcher watch.Fetcher) *LoginRefresher {
	return &LoginRefresher{fetcher: fetcher}
}

type loginResponse struct {
	Token string `json:"token"`
}

// Refresh executes the login call and extracts renewed material.
func (r *LoginRefresher) Refresh(ctx context.Context, cred watch.Credential) (Material, error) {
	if cred.LoginURL == "" {
		return Material{}, fmt.Errorf("credential %s has no login url", cred.ID)
	}

	form := url.Values{}
	form.Set("username", cred.Secret["username"])
	form.Set("password", cred.Secret["password"])

	headers := http.Header{}
	headers.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.fetcher.Fetch(ctx, watch.FetchRequest{
		SourceID: cred.ID,
		Method:   http.MethodPost,
		URL:      cred.LoginURL,
		Headers:  headers,
		Body:     []byte(form.Encode()),
	})
	if err != nil {
		return Material{}, fmt.Errorf("login fetch: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Material{}, fmt.Errorf("login endpoint returned %d", resp.StatusCode)
	}

	material := Material{}
	if len(resp.Body) > 0 && strings.Contains(resp.Headers.Get("Content-Type"), "json") {
		var body loginResponse
		if err := json.Unmarshal(resp.Body, &body); err == nil {
			material.Token = body.Token
		}
	}
	material.Cookies = (&http.Response{Header: resp.Headers}).Cookies()

	if material.Token == "" && len(material.Cookies) == 0 {
		return Material{}, fmt.Errorf("login response carried no token or cookies")
	}
	return material, nil
}
