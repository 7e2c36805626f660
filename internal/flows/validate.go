package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/session"
)

// ValidateFailureKind classifies validation failures for root-level mapping.
type ValidateFailureKind int

const (
	ValidateFailureNone ValidateFailureKind = iota
	ValidateFailureToken
	ValidateFailureSessionNotFound
	ValidateFailureSessionMismatch
	ValidateFailureBackend
)

// ValidateResult returns either claims/session success payload or classified failure.
type ValidateResult struct {
	Failure ValidateFailureKind
	Err     error
	Claims  *jwt.AccessClaims
	Session *session.Session
}

type ValidateSessionStore interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
}

// ValidateDeps captures stateless/stateful validation dependencies.
type ValidateDeps struct {
	ParseAccess  func(string) (*jwt.AccessClaims, error)
	Stateful     bool
	SessionStore ValidateSessionStore
}

// RunValidate verifies an access token. Stateless validation never touches
// the store; stateful validation performs exactly one session read.
func RunValidate(ctx context.Context, tokenStr string, deps ValidateDeps) ValidateResult {
	claims, err := deps.ParseAccess(tokenStr)
	if err != nil {
		return ValidateResult{Failure: ValidateFailureToken, Err: err}
	}

	if !deps.Stateful {
		return ValidateResult{Claims: claims}
	}

	sess, err := deps.SessionStore.Get(ctx, claims.SID)
	if err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			return ValidateResult{Failure: ValidateFailureBackend, Err: err}
		}
		return ValidateResult{Failure: ValidateFailureSessionNotFound, Err: err}
	}
	if sess.UserID != claims.Subject {
		return ValidateResult{Failure: ValidateFailureSessionMismatch}
	}

	return ValidateResult{
		Claims:  claims,
		Session: sess,
	}
}
