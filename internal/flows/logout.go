package flows

import (
	"context"

	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/refresh"
)

type LogoutSessionStore interface {
	Delete(ctx context.Context, sessionID string) error
	DeleteAllForUser(ctx context.Context, userID string) error
}

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	ParseAccess        func(string) (*jwt.AccessClaims, error)
	DecodeRefreshToken func(string) (refresh.Token, error)
	SessionStore       LogoutSessionStore
}

type LogoutResult struct {
	SessionID string
	UserID    string
	Err       error
}

func RunLogout(ctx context.Context, sessionID string, deps LogoutDeps) error {
	return deps.SessionStore.Delete(ctx, sessionID)
}

func RunLogoutAll(ctx context.Context, userID string, deps LogoutDeps) error {
	return deps.SessionStore.DeleteAllForUser(ctx, userID)
}

func RunLogoutByAccessToken(ctx context.Context, tokenStr string, deps LogoutDeps) LogoutResult {
	claims, err := deps.ParseAccess(tokenStr)
	if err != nil {
		return LogoutResult{Err: err}
	}

	return LogoutResult{
		SessionID: claims.SID,
		UserID:    claims.Subject,
		Err:       deps.SessionStore.Delete(ctx, claims.SID),
	}
}

// RunLogoutByRefreshToken revokes the session a refresh token belongs to,
// whatever its generation.
func RunLogoutByRefreshToken(ctx context.Context, refreshToken string, deps LogoutDeps) LogoutResult {
	token, err := deps.DecodeRefreshToken(refreshToken)
	if err != nil {
		return LogoutResult{Err: err}
	}

	return LogoutResult{
		SessionID: token.SessionID,
		Err:       deps.SessionStore.Delete(ctx, token.SessionID),
	}
}
