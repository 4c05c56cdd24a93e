// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements watch.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DedupKey derives the deterministic dedup key for a content item. It is
// a pure function of (source id, content identity), so recomputing it
// from the same content always reproduces the same key.
func DedupKey(sourceID, identity string) string {
	sum := sha256.Sum256([]byte(sourceID + "\x00" + identity))
	return hex.EncodeToString(sum[:])
}
