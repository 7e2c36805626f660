package session

import "errors"

var (
	// ErrNotFound is returned when the session does not exist or was revoked.
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned when the session is past its refresh expiry.
	ErrExpired = errors.New("session expired")
	// ErrGenerationMismatch is returned when a refresh presented a stale
	// generation. The session has already been deleted when this is returned.
	ErrGenerationMismatch = errors.New("session generation mismatch")
	// ErrCorrupt is returned for undecodable session records.
	ErrCorrupt = errors.New("session record corrupt")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("session backend unavailable")
)
