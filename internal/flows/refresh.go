package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/refresh"
	"github.com/MrEthical07/authflow/session"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureDecode
	RefreshFailureRateLimited
	RefreshFailureReuse
	RefreshFailureSessionNotFound
	RefreshFailureExpired
	RefreshFailureBackend
	RefreshFailurePrincipal
	RefreshFailureIssueAccess
	RefreshFailureEncode
)

// RefreshResult carries either the issued token pair or failure metadata.
type RefreshResult struct {
	Failure         RefreshFailureKind
	Err             error
	SessionID       string
	UserID          string
	Session         *session.Session
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string
	Rotated         bool
}

type RefreshSessionStore interface {
	Rotate(ctx context.Context, sessionID string, req session.RotateRequest) (*session.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	Rotate      bool
	RefreshTTL  time.Duration
	AbsoluteTTL time.Duration
	Now         func() time.Time

	DecodeRefreshToken func(string) (refresh.Token, error)
	EncodeRefreshToken func(sessionID string, generation uint64) (string, error)
	// RegenerateClaims recomputes claims from the principal's current state.
	// It runs on rotating refreshes only.
	RegenerateClaims func(ctx context.Context, userID string) (map[string]any, error)
	IssueAccessToken func(sess *session.Session, claims map[string]any) (string, time.Time, error)
	RateLimit        func(ctx context.Context, sessionID string) error

	SessionStore RefreshSessionStore
	Warn         func(string, ...any)
}

// RunRefresh checks the presented generation and mints a new access token.
// With rotation on, the generation advances and the previous refresh token
// stops working; otherwise the presented refresh token is returned as is.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}

	token, err := deps.DecodeRefreshToken(refreshToken)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureDecode, Err: err}
	}

	if deps.RateLimit != nil {
		if err := deps.RateLimit(ctx, token.SessionID); err != nil {
			return RefreshResult{
				Failure:   RefreshFailureRateLimited,
				Err:       err,
				SessionID: token.SessionID,
			}
		}
	}

	req := session.RotateRequest{
		Expected:    token.Generation,
		RefreshTTL:  deps.RefreshTTL,
		AbsoluteTTL: deps.AbsoluteTTL,
		Now:         deps.Now(),
	}

	claims := map[string]any(nil)
	if deps.Rotate && deps.RegenerateClaims != nil {
		// Regenerate before advancing so a provider failure leaves the
		// presented token usable.
		current, err := deps.SessionStore.Rotate(ctx, token.SessionID, req)
		if err != nil {
			return rotateFailure(token.SessionID, err)
		}
		claims, err = deps.RegenerateClaims(ctx, current.UserID)
		if err != nil {
			return RefreshResult{
				Failure:   RefreshFailurePrincipal,
				Err:       err,
				SessionID: current.SessionID,
				UserID:    current.UserID,
				Session:   current,
			}
		}
	}

	req.Advance = deps.Rotate
	sess, err := deps.SessionStore.Rotate(ctx, token.SessionID, req)
	if err != nil {
		if errors.Is(err, session.ErrCorrupt) {
			if delErr := deps.SessionStore.Delete(ctx, token.SessionID); delErr != nil {
				deps.Warn("authflow: corrupt session cleanup failed", "session_id", token.SessionID, "err", delErr)
			}
		}
		return rotateFailure(token.SessionID, err)
	}
	if claims == nil {
		claims = sess.Claims
	}

	access, accessExp, err := deps.IssueAccessToken(sess, claims)
	if err != nil {
		return RefreshResult{
			Failure:   RefreshFailureIssueAccess,
			Err:       err,
			SessionID: sess.SessionID,
			UserID:    sess.UserID,
			Session:   sess,
		}
	}

	next := refreshToken
	if deps.Rotate {
		next, err = deps.EncodeRefreshToken(sess.SessionID, sess.Generation)
		if err != nil {
			return RefreshResult{
				Failure:   RefreshFailureEncode,
				Err:       err,
				SessionID: sess.SessionID,
				UserID:    sess.UserID,
				Session:   sess,
			}
		}
	}

	return RefreshResult{
		Failure:         RefreshFailureNone,
		SessionID:       sess.SessionID,
		UserID:          sess.UserID,
		Session:         sess,
		AccessToken:     access,
		AccessExpiresAt: accessExp,
		RefreshToken:    next,
		Rotated:         deps.Rotate,
	}
}

func rotateFailure(sessionID string, err error) RefreshResult {
	kind := RefreshFailureBackend
	switch {
	case errors.Is(err, session.ErrGenerationMismatch):
		kind = RefreshFailureReuse
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrCorrupt):
		kind = RefreshFailureSessionNotFound
	case errors.Is(err, session.ErrExpired):
		kind = RefreshFailureExpired
	}
	return RefreshResult{Failure: kind, Err: err, SessionID: sessionID}
}
