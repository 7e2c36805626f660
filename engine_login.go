package authflow

import (
	"context"
	"errors"

	"github.com/MrEthical07/authflow/internal/flows"
)

// BeginLogin checks identifier and password and starts a login flow over
// Config.Stages.Login. When no stage applies to the user the result carries
// tokens; otherwise it carries the pending stage.
//
// Unknown identifiers and wrong passwords both yield ErrInvalidCredentials
// after the same amount of hashing work.
func (e *Engine) BeginLogin(ctx context.Context, identifier, password string) (*FlowResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	key := normalizeIdentity(identifier)
	res := flows.RunPasswordCheck(ctx, key, password, flows.LoginDeps{
		RateLimit: func(ctx context.Context, key string) error {
			return e.rateLimit(ctx, ActionLogin, key)
		},
		GetUserByIdentifier: func(ctx context.Context, key string) (flows.LoginUser, error) {
			user, err := e.users.GetUserByIdentifier(ctx, key)
			if err != nil {
				return flows.LoginUser{}, err
			}
			return flows.LoginUser{
				UserID:        user.UserID,
				Email:         user.Email,
				PasswordHash:  user.PasswordHash,
				EmailVerified: user.EmailVerified,
			}, nil
		},
		IsUserNotFound: func(err error) bool { return errors.Is(err, ErrUserNotFound) },
		VerifyPassword: e.passwords.Verify,
		DummyHash:      e.dummyHash,
	})

	if res.Failure != flows.LoginFailureNone {
		err := e.loginError(res)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, auditRecord{}, err, nil)
		return nil, err
	}

	user := res.User
	if e.config.Password.UpgradeOnLogin && e.passwords.NeedsRehash(user.PasswordHash) {
		e.rehash(ctx, user.UserID, password)
	}

	rec, done, err := e.stages.Begin(ctx, flowLogin, e.config.Stages.Login, user.UserID, user.Email)
	if err != nil {
		return nil, mapFlowError(err)
	}
	if done {
		return e.finish(ctx, rec)
	}
	return &FlowResult{UserID: user.UserID, Pending: pendingFlowOf(rec)}, nil
}

func (e *Engine) loginError(res flows.LoginResult) error {
	switch res.Failure {
	case flows.LoginFailureRateLimited:
		return res.Err
	case flows.LoginFailureBackend:
		e.metricInc(MetricBackendUnavailable)
		return errors.Join(ErrBackendUnavailable, res.Err)
	default:
		return ErrInvalidCredentials
	}
}

// rehash stores password under the primary scheme. Failures only cost the
// upgrade; the login proceeds.
func (e *Engine) rehash(ctx context.Context, userID, password string) {
	hash, err := e.passwords.Hash(password)
	if err != nil {
		e.warn("authflow: password rehash failed", "user_id", userID, "err", err)
		return
	}
	if err := e.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		e.warn("authflow: password rehash not stored", "user_id", userID, "err", err)
	}
}
