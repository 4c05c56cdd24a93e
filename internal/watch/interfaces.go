package watch

import (
	"context"
	"time"
)

// StateStore persists per-source change-detection records. Put is
// compare-and-swap on StateRecord.Revision so concurrent writers cannot
// silently clobber each other.
type StateStore interface {
	Get(ctx context.Context, sourceID string) (StateRecord, bool, error)
	Put(ctx context.Context, record StateRecord) error
}

type revisionConflict struct{}

func (revisionConflict) Error() string { return "state revision conflict" }

// ErrRevisionConflict is returned by StateStore.Put when the stored
// revision no longer matches the record's, i.e. a lost
// compare-and-swap race.
var ErrRevisionConflict error = revisionConflict{}

// Fetcher retrieves raw content for a source.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// SessionManager resolves the currently valid session for a source,
// refreshing lazily when the credential's validity policy says so.
type SessionManager interface {
	CurrentSession(ctx context.Context, sourceID string) (Session, error)
}

// Extractor turns a raw fetch response into identified content items.
// Per-publisher parsing lives behind this; the core never inspects markup.
type Extractor interface {
	Extract(response FetchResponse) ([]FetchedItem, error)
}

// Channel delivers one alert to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, event ContentEvent) error
}

// Reporter receives operational failures for the operations channel.
type Reporter interface {
	Report(sourceID string, class ErrorClass, detail string)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// RetryPolicy decides retry eligibility and pacing for fetch attempts.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for dedup keys and content identity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event and request IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
