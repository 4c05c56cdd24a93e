package watch

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies fetch failures for retry decisions.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchTransient   FetchErrorKind = "transient"
	FetchNotFound    FetchErrorKind = "not-found"
	FetchAuthExpired FetchErrorKind = "auth-expired"
)

// FetchError wraps a fetch failure with its retry classification.
type FetchError struct {
	Kind     FetchErrorKind
	SourceID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.SourceID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError builds a classified FetchError.
func NewFetchError(kind FetchErrorKind, sourceID string, err error) *FetchError {
	return &FetchError{Kind: kind, SourceID: sourceID, Err: err}
}

// FetchKind extracts the classification, or "" if err is not a FetchError.
func FetchKind(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// RelayReason classifies browser-relay failures.
type RelayReason string

// Relay failure reasons.
const (
	RelayTimeout             RelayReason = "timeout"
	RelaySessionLost         RelayReason = "session-lost"
	RelayChallengeUnresolved RelayReason = "challenge-unresolved"
)

// RelayError is a failure in the browser relay path, kept distinct from
// FetchError so callers can decide whether to fall back to a direct fetch.
type RelayError struct {
	Reason   RelayReason
	SourceID string
	Err      error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s (%s): %v", e.SourceID, e.Reason, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// NewRelayError builds a classified RelayError.
func NewRelayError(reason RelayReason, sourceID string, err error) *RelayError {
	return &RelayError{Reason: reason, SourceID: sourceID, Err: err}
}

// RelayReasonOf extracts the relay failure reason, or "" if err is not a
// RelayError.
func RelayReasonOf(err error) RelayReason {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// CredentialExpiredError means a refresh attempt failed and the credential
// is unusable. The source's poll cycle is skipped, not crashed.
type CredentialExpiredError struct {
	CredentialID string
	Err          error
}

func (e *CredentialExpiredError) Error() string {
	return fmt.Sprintf("credential %s expired: %v", e.CredentialID, e.Err)
}

func (e *CredentialExpiredError) Unwrap() error { return e.Err }

// IsCredentialExpired reports whether err carries a CredentialExpiredError.
func IsCredentialExpired(err error) bool {
	var ce *CredentialExpiredError
	return errors.As(err, &ce)
}

// DeliveryKind classifies channel delivery failures.
type DeliveryKind string

// Delivery failure kinds.
const (
	DeliveryRateLimited DeliveryKind = "rate-limited"
	DeliveryUnreachable DeliveryKind = "unreachable"
	DeliveryMalformed   DeliveryKind = "malformed"
)

// ChannelDeliveryError is a failure delivering one event to one channel.
// It never aborts sibling channels.
type ChannelDeliveryError struct {
	Channel string
	Kind    DeliveryKind
	Err     error
}

func (e *ChannelDeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s (%s): %v", e.Channel, e.Kind, e.Err)
}

func (e *ChannelDeliveryError) Unwrap() error { return e.Err }

// NewDeliveryError builds a classified ChannelDeliveryError.
func NewDeliveryError(channel string, kind DeliveryKind, err error) *ChannelDeliveryError {
	return &ChannelDeliveryError{Channel: channel, Kind: kind, Err: err}
}

// DeliveryKindOf extracts the delivery failure kind, or "" if err is not
// a ChannelDeliveryError.
func DeliveryKindOf(err error) DeliveryKind {
	var de *ChannelDeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
