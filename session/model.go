package session

import "time"

// Session is the server-side record behind a token pair. Generation is the
// only refresh generation currently accepted for the session.
type Session struct {
	SchemaVersion uint8
	SessionID     string
	UserID        string
	Generation    uint64
	Claims        map[string]any

	CreatedAt int64
	ExpiresAt int64
}

// Expired reports whether the session is past its refresh expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}

// RotateRequest describes one refresh attempt against a stored session.
type RotateRequest struct {
	// Expected is the generation carried by the presented refresh token.
	Expected uint64
	// Advance bumps the generation and refresh expiry. When false the session
	// is only checked.
	Advance bool

	RefreshTTL  time.Duration
	AbsoluteTTL time.Duration
	Now         time.Time
}

// NextExpiry returns the refresh expiry a rotation at r.Now grants a session
// created at createdAt.
func (r RotateRequest) NextExpiry(createdAt int64) int64 {
	next := r.Now.Add(r.RefreshTTL).Unix()
	if r.AbsoluteTTL > 0 {
		if cap := time.Unix(createdAt, 0).Add(r.AbsoluteTTL).Unix(); cap < next {
			next = cap
		}
	}
	return next
}
