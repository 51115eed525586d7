package types

import "errors"

// Sentinel errors for classifying failures across the archiver.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrInvalidIdentifier is returned by the Identifier Normalizer when a
	// company id does not reduce to 11 or 14 digits.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrUnreadableXML is returned by the XML Inspector when a blob is not
	// well-formed XML.
	ErrUnreadableXML = errors.New("unreadable xml")

	// ErrMissingFields is returned by the XML Inspector when a recognized
	// document is missing a required field (key, emission date).
	ErrMissingFields = errors.New("missing required xml fields")

	// ErrNetworkFailure is returned by the Upstream Client after retries
	// are exhausted on a transient network/HTTP failure.
	ErrNetworkFailure = errors.New("upstream network failure")

	// ErrAPIError is returned by the Upstream Client when upstream
	// surfaces a non-empty Status error list.
	ErrAPIError = errors.New("upstream api error")

	// ErrTimeout is returned when a call exceeds its connect/read/absolute
	// deadline.
	ErrTimeout = errors.New("upstream call timed out")
)
