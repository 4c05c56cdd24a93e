// Package watch defines core types shared across subsystems.
package watch

import (
	"net/http"
	"time"
)

// FetchStrategy selects how a source's content is retrieved.
type FetchStrategy string

// Fetch strategies configured per source.
const (
	StrategyDirect        FetchStrategy = "direct"
	StrategyAuthenticated FetchStrategy = "authenticated"
	StrategyRelayed       FetchStrategy = "relayed"
)

// IdentityScheme describes how a source identifies its content items.
type IdentityScheme string

// Identity schemes supported by the change detector.
const (
	// SchemeMonotonic means identifiers are integers that only grow
	// (post ids, comment ids). A single watermark suffices as the diff
	// boundary.
	SchemeMonotonic IdentityScheme = "monotonic"
	// SchemeHash means identifiers are opaque (content hashes, slugs,
	// article urls) and may arrive out of order. A bounded recent set is
	// kept instead of a watermark.
	SchemeHash IdentityScheme = "hash"
)

// Source is the immutable per-publisher configuration a poll task runs
// against. Loaded once at startup.
type Source struct {
	ID       string         `json:"id" mapstructure:"id"`
	URL      string         `json:"url" mapstructure:"url"`
	Strategy FetchStrategy  `json:"strategy" mapstructure:"strategy"`
	Scheme   IdentityScheme `json:"scheme" mapstructure:"scheme"`
	Adapter  string         `json:"adapter" mapstructure:"adapter"`
	// AdapterOptions carries extractor settings (selectors, field names).
	AdapterOptions map[string]string `json:"adapter_options,omitempty" mapstructure:"adapter_options"`
	CredentialID   string            `json:"credential" mapstructure:"credential"`
	Channels       []string          `json:"channels" mapstructure:"channels"`
	Cadence        string            `json:"cadence" mapstructure:"cadence"`
	StartingID     int64             `json:"starting_id" mapstructure:"starting_id"`
	// RelayFallback permits a direct fetch when the relay is unreachable.
	RelayFallback bool `json:"relay_fallback" mapstructure:"relay_fallback"`
}

// CredentialKind describes the shape of a credential's secret material.
type CredentialKind string

// Credential kinds.
const (
	CredentialBasic     CredentialKind = "basic"
	CredentialToken     CredentialKind = "token"
	CredentialCookieJar CredentialKind = "cookie-jar"
)

// ValidityPolicy governs when a credential must be refreshed.
type ValidityPolicy string

// Validity policies.
const (
	// ValidityFixedExpiry means the credential carries an absolute
	// expiry timestamp.
	ValidityFixedExpiry ValidityPolicy = "fixed-expiry"
	// ValidityRollingWindow means the credential is valid for a window
	// after its last refresh.
	ValidityRollingWindow ValidityPolicy = "rolling-window"
	// ValidityManualRefresh means the secret is rotated out-of-band on a
	// human cadence; expiry surfaces an operational alert, not a login.
	ValidityManualRefresh ValidityPolicy = "manual-refresh"
)

// Credential holds per-source secret material. Identity is stable for the
// process lifetime; refresh mutates Secret and LastRefreshed in place.
type Credential struct {
	ID            string            `json:"id" mapstructure:"id"`
	Kind          CredentialKind    `json:"kind" mapstructure:"kind"`
	Policy        ValidityPolicy    `json:"policy" mapstructure:"policy"`
	Secret        map[string]string `json:"secret" mapstructure:"secret"`
	LoginURL      string            `json:"login_url" mapstructure:"login_url"`
	ExpiresAt     time.Time         `json:"expires_at" mapstructure:"expires_at"`
	Window        time.Duration     `json:"window" mapstructure:"window"`
	RotationNote  string            `json:"rotation_note" mapstructure:"rotation_note"`
	LastRefreshed time.Time         `json:"last_refreshed" mapstructure:"last_refreshed"`
}

// Session is the resolved, currently valid access material handed to the
// fetch adapter.
type Session struct {
	CredentialID string
	Token        string
	Headers      http.Header
	Cookies      []*http.Cookie
	RefreshedAt  time.Time
}

// StateRecord is the persisted change-detection bookkeeping for one source.
type StateRecord struct {
	SourceID  string    `json:"source_id"`
	Watermark int64     `json:"watermark"`
	// Recent holds opaque identifiers in insertion order, oldest first,
	// bounded by the detector's window.
	Recent    []string  `json:"recent"`
	UpdatedAt time.Time `json:"updated_at"`
	// Revision is the compare-and-swap token; a Put only succeeds when
	// its record carries the currently stored revision.
	Revision int64 `json:"revision"`
}

// FetchedItem is one content item extracted from a fetch, before diffing.
type FetchedItem struct {
	Identity string   `json:"identity"`
	Tickers  []string `json:"tickers,omitempty"`
	Excerpt  string   `json:"excerpt,omitempty"`
	URL      string   `json:"url,omitempty"`
}

// ContentEvent is a new-content alert produced by the change detector and
// consumed by the notification fanout. It is transient; durability comes
// from the state record advance.
type ContentEvent struct {
	ID           string    `json:"id"`
	SourceID     string    `json:"source_id"`
	Identity     string    `json:"identity"`
	DedupKey     string    `json:"dedup_key"`
	Tickers      []string  `json:"tickers,omitempty"`
	Excerpt      string    `json:"excerpt,omitempty"`
	URL          string    `json:"url,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// FetchRequest captures everything needed to retrieve content for a source.
type FetchRequest struct {
	SourceID string
	Method   string
	URL      string
	Headers  http.Header
	Body     []byte
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	FinalURL   string
	Duration   time.Duration
}

// ChannelResult reports the outcome of one channel delivery attempt chain.
type ChannelResult struct {
	Channel  string
	Attempts int
	Err      error
}

// ErrorClass categorizes operational failures for escalation.
type ErrorClass string

// Error classes, in escalation order.
const (
	ClassTransient ErrorClass = "transient"
	ClassDegraded  ErrorClass = "degraded"
	ClassFatal     ErrorClass = "fatal"
)
