package flows

import (
	"context"
	"errors"
)

// LoginFailureKind classifies password check failures.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailureRateLimited
	LoginFailureInvalidCredentials
	LoginFailureBackend
)

// LoginUser is the flow-local view of an account used by the password check.
type LoginUser struct {
	UserID        string
	Email         string
	PasswordHash  string
	EmailVerified bool
}

// LoginDeps captures password check dependencies.
type LoginDeps struct {
	RateLimit           func(ctx context.Context, identifier string) error
	GetUserByIdentifier func(ctx context.Context, identifier string) (LoginUser, error)
	IsUserNotFound      func(error) bool
	VerifyPassword      func(password, encodedHash string) (bool, error)
	// DummyHash is verified against when the identifier is unknown so both
	// paths cost one hash computation.
	DummyHash string
}

type LoginResult struct {
	Failure LoginFailureKind
	Err     error
	User    LoginUser
}

// RunPasswordCheck authenticates identifier and password. It does not tell
// an unknown identifier apart from a wrong password.
func RunPasswordCheck(ctx context.Context, identifier, password string, deps LoginDeps) LoginResult {
	if deps.RateLimit != nil {
		if err := deps.RateLimit(ctx, identifier); err != nil {
			return LoginResult{Failure: LoginFailureRateLimited, Err: err}
		}
	}

	user, err := deps.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return LoginResult{Failure: LoginFailureBackend, Err: err}
		}
		if deps.IsUserNotFound != nil && !deps.IsUserNotFound(err) {
			return LoginResult{Failure: LoginFailureBackend, Err: err}
		}
		if deps.DummyHash != "" {
			_, _ = deps.VerifyPassword(password, deps.DummyHash)
		}
		return LoginResult{Failure: LoginFailureInvalidCredentials}
	}

	ok, err := deps.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return LoginResult{Failure: LoginFailureInvalidCredentials, Err: err}
	}

	return LoginResult{User: user}
}
