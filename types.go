package authflow

import (
	"context"
	"time"

	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/session"
)

// UserRecord is the account view returned by [UserProvider].
type UserRecord struct {
	UserID        string
	Email         string
	PasswordHash  string
	EmailVerified bool
	// Attributes are handed to the ClaimsFunc through [Principal].
	Attributes map[string]any
}

// UserProvider is the account store. Lookups of unknown accounts must return
// an error matching [ErrUserNotFound]; any other error is treated as a
// backend failure.
type UserProvider interface {
	GetUserByIdentifier(ctx context.Context, identifier string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error
	MarkEmailVerified(ctx context.Context, userID string) error
	// GetTOTPSecret returns the base32 secret, or "" when the user has no
	// authenticator enrolled.
	GetTOTPSecret(ctx context.Context, userID string) (string, error)
}

// Principal is the authenticated identity tokens are issued for.
type Principal struct {
	ID            string
	Email         string
	EmailVerified bool
	Attributes    map[string]any
}

// ClaimsFunc computes extra access-token claims for p. Reserved names (sub,
// sid, exp and the other registered claims) are dropped.
type ClaimsFunc func(p Principal) map[string]any

// CodeMessage is one challenge code to deliver.
type CodeMessage struct {
	Purpose   string
	FlowID    string
	UserID    string
	Email     string
	Code      string
	ExpiresAt time.Time
}

// CodeSender delivers challenge codes, usually by email. A delivery failure
// is logged and audited; the issued code stays valid.
type CodeSender interface {
	SendCode(ctx context.Context, msg CodeMessage) error
}

// RateLimiter counts one hit for (action, key) and reports whether the
// action may proceed. Keys are normalized identities.
type RateLimiter interface {
	ConsumeOrReject(ctx context.Context, action, key string) (bool, error)
}

// RateLimitResetter is implemented by limiters that can clear a window
// early. Both built-in limiters do. After a password reset or change the
// engine clears the account's login window through it, keyed by email.
type RateLimitResetter interface {
	Reset(ctx context.Context, action, key string) error
}

// Rate-limited actions.
const (
	ActionLogin                = "login"
	ActionRequestLoginCode     = "request_login_code"
	ActionResetPassword        = "reset_password"
	ActionResetPasswordFromKey = "reset_password_from_key"
	ActionVerifyEmail          = "verify_email"
	ActionRefresh              = "refresh"
	ActionChangePassword       = "change_password"
	ActionReauthenticate       = "reauthenticate"
)

// Stage keys.
const (
	StageVerifyEmail          = "verify_email"
	StageMFAAuthenticate      = "mfa_authenticate"
	StageLoginByCode          = "login_by_code"
	StageResetPassword        = "reset_password"
	StageResetPasswordFromKey = "reset_password_from_key"
	// StageFinalize is pending once every stage is done but the flow's
	// result could not be delivered; [Engine.ResumeFlow] completes it.
	StageFinalize = flows.StageFinalize
)

// Flow kinds.
const (
	flowLogin         = "login"
	flowLoginByCode   = "login_by_code"
	flowVerifyEmail   = "verify_email"
	flowResetPassword = "reset_password"
	flowSignup        = "signup"
)

// SessionStore persists the server side of token pairs. [session.Store]
// (Redis) and pgstore.Store (Postgres) implement it. Rotate must be atomic
// with respect to concurrent rotations of the same session.
type SessionStore interface {
	Save(ctx context.Context, sess *session.Session) error
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	Rotate(ctx context.Context, sessionID string, req session.RotateRequest) (*session.Session, error)
	Delete(ctx context.Context, sessionID string) error
	DeleteAllForUser(ctx context.Context, userID string) error
	// ActiveSessionIDs lists userID's sessions. It may include sessions
	// that expired moments ago.
	ActiveSessionIDs(ctx context.Context, userID string) ([]string, error)
}

// TokenPair is issued at login and on every refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	SessionID        string
	Generation       uint64
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AuthResult describes an authenticated request.
type AuthResult struct {
	UserID    string
	SessionID string
	Claims    map[string]any
	ExpiresAt time.Time
	// AuthenticatedAt is set on tokens minted by [Engine.Reauthenticate].
	AuthenticatedAt time.Time
}

// AuthenticatedWithin reports whether the password was confirmed no longer
// than d before now.
func (r *AuthResult) AuthenticatedWithin(now time.Time, d time.Duration) bool {
	if r == nil || r.AuthenticatedAt.IsZero() {
		return false
	}
	return !now.Before(r.AuthenticatedAt) && now.Sub(r.AuthenticatedAt) <= d
}

// Reauthentication is a fresh access token for an existing session, minted
// after its owner confirmed their password again.
type Reauthentication struct {
	AccessToken     string
	AccessExpiresAt time.Time
	AuthenticatedAt time.Time
}

// PendingFlow is the client-visible handle of an unfinished flow. FlowID is
// opaque and must be presented with every follow-up request.
type PendingFlow struct {
	FlowID    string
	Stage     string
	Remaining []string
	ExpiresAt time.Time
	// CodeUsable is set by [Engine.PendingStage] when the pending stage
	// takes a code and its current code can still be accepted. A code
	// stage without one needs [Engine.ResendCode].
	CodeUsable bool
}

// FlowResult is the outcome of a flow step. Exactly one of Tokens and
// Pending is set for login flows; a finished flow that issues no tokens
// (email verification started outside a login) sets neither.
type FlowResult struct {
	UserID  string
	Tokens  *TokenPair
	Pending *PendingFlow
}

// Done reports whether the flow has no pending stage left.
func (r *FlowResult) Done() bool {
	return r != nil && r.Pending == nil
}
