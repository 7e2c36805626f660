package authflow

import (
	"context"
	"errors"
	"maps"
	"time"
)

// ClaimAuthTime is the access-token claim, in unix seconds, that records
// when the session's owner last confirmed their password.
const ClaimAuthTime = "auth_time"

// BeginSignup starts the signup flow of an account the application just
// created. The flow runs Config.Stages.Signup, typically verify_email, and
// finishes with the account's first tokens.
func (e *Engine) BeginSignup(ctx context.Context, userID string) (*FlowResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.rateLimit(ctx, ActionVerifyEmail, normalizeIdentity(userID)); err != nil {
		return nil, err
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, providerError(err)
	}

	rec, done, err := e.stages.Begin(ctx, flowSignup, e.config.Stages.Signup, user.UserID, user.Email)
	if err != nil {
		return nil, mapFlowError(err)
	}
	e.metricInc(MetricSignupStarted)
	e.emitAudit(ctx, auditEventSignupStarted, true, auditRecord{userID: user.UserID, flowID: rec.FlowID}, nil, nil)

	if done {
		return e.finish(ctx, rec)
	}
	return &FlowResult{UserID: user.UserID, Pending: pendingFlowOf(rec)}, nil
}

// ChangePassword replaces the password of the user behind accessToken after
// checking currentPassword. Every other session of the user is revoked; the
// calling session stays valid.
func (e *Engine) ChangePassword(ctx context.Context, accessToken, currentPassword, newPassword string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	auth, user, err := e.confirmPassword(ctx, accessToken, currentPassword, ActionChangePassword)
	if err != nil {
		return err
	}

	hash, err := e.passwords.Hash(newPassword)
	if err != nil {
		return ErrPasswordPolicy
	}
	if err := e.users.UpdatePasswordHash(ctx, user.UserID, hash); err != nil {
		return providerError(err)
	}
	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, auditEventPasswordChanged, true, auditRecord{userID: user.UserID, sessionID: auth.SessionID}, nil, nil)
	e.clearRateLimit(ctx, ActionLogin, normalizeIdentity(user.Email))

	return e.revokeOtherSessions(ctx, user.UserID, auth.SessionID)
}

// Reauthenticate confirms the password of the user behind accessToken and
// returns a new access token for the same session carrying [ClaimAuthTime].
// Use [AuthResult.AuthenticatedWithin] to gate sensitive operations on it.
func (e *Engine) Reauthenticate(ctx context.Context, accessToken, password string) (*Reauthentication, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	auth, user, err := e.confirmPassword(ctx, accessToken, password, ActionReauthenticate)
	if err != nil {
		return nil, err
	}

	now := e.now()
	claims := make(map[string]any, len(auth.Claims)+1)
	maps.Copy(claims, auth.Claims)
	claims[ClaimAuthTime] = now.Unix()

	access, expiresAt, err := e.jwtManager.CreateAccess(user.UserID, auth.SessionID, claims)
	if err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	e.metricInc(MetricReauthenticated)
	e.emitAudit(ctx, auditEventReauthenticated, true, auditRecord{userID: user.UserID, sessionID: auth.SessionID}, nil, nil)

	return &Reauthentication{
		AccessToken:     access,
		AccessExpiresAt: expiresAt,
		AuthenticatedAt: time.Unix(now.Unix(), 0),
	}, nil
}

// confirmPassword resolves accessToken and checks password against its
// user. A wrong password is ErrInvalidCredentials.
func (e *Engine) confirmPassword(ctx context.Context, accessToken, password, action string) (*AuthResult, UserRecord, error) {
	auth, err := e.ValidateAccess(ctx, accessToken)
	if err != nil {
		return nil, UserRecord{}, err
	}
	if err := e.rateLimit(ctx, action, normalizeIdentity(auth.UserID)); err != nil {
		return nil, UserRecord{}, err
	}

	user, err := e.users.GetUserByID(ctx, auth.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, UserRecord{}, ErrSessionRevoked
		}
		return nil, UserRecord{}, providerError(err)
	}

	ok, err := e.passwords.Verify(password, user.PasswordHash)
	if err != nil || !ok {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventReauthFailure, false, auditRecord{userID: user.UserID, sessionID: auth.SessionID}, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"action": action}
		})
		return nil, UserRecord{}, ErrInvalidCredentials
	}
	return auth, user, nil
}

// revokeOtherSessions deletes every session of userID except keep.
func (e *Engine) revokeOtherSessions(ctx context.Context, userID, keep string) error {
	ids, err := e.sessions.ActiveSessionIDs(ctx, userID)
	if err != nil {
		e.metricInc(MetricBackendUnavailable)
		return errors.Join(ErrBackendUnavailable, err)
	}
	for _, id := range ids {
		if id == keep {
			continue
		}
		if err := e.sessions.Delete(ctx, id); err != nil {
			e.warn("authflow: revoke session after password change failed", "session_id", id, "err", err)
			return errors.Join(ErrBackendUnavailable, err)
		}
		e.metricInc(MetricSessionRevoked)
		e.emitAudit(ctx, auditEventSessionRevoked, true, auditRecord{userID: userID, sessionID: id}, nil, nil)
	}
	return nil
}
