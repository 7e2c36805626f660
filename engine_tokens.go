package authflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/authflow/internal"
	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/refresh"
	"github.com/MrEthical07/authflow/session"
)

func (e *Engine) buildFlowDeps() flows.Deps {
	return flows.Deps{
		Refresh: flows.RefreshDeps{
			Rotate:             e.config.Token.RotateRefreshTokens,
			RefreshTTL:         e.config.Token.RefreshTTL,
			AbsoluteTTL:        e.config.Token.AbsoluteTTL,
			Now:                func() time.Time { return e.now() },
			DecodeRefreshToken: e.refreshCodec.Decode,
			EncodeRefreshToken: e.refreshCodec.Encode,
			RegenerateClaims:   e.regenerateClaims,
			IssueAccessToken: func(sess *session.Session, claims map[string]any) (string, time.Time, error) {
				return e.jwtManager.CreateAccess(sess.UserID, sess.SessionID, claims)
			},
			RateLimit: func(ctx context.Context, sessionID string) error {
				return e.rateLimit(ctx, ActionRefresh, sessionID)
			},
			SessionStore: e.sessions,
			Warn:         e.warn,
		},
		Validate: flows.ValidateDeps{
			ParseAccess:  e.jwtManager.ParseAccess,
			Stateful:     e.config.Token.ValidationMode == ModeStateful,
			SessionStore: e.sessions,
		},
		Logout: flows.LogoutDeps{
			ParseAccess:        e.jwtManager.ParseAccess,
			DecodeRefreshToken: e.refreshCodec.Decode,
			SessionStore:       e.sessions,
		},
	}
}

// claimsFor runs the ClaimsFunc and drops reserved names.
func (e *Engine) claimsFor(p Principal) map[string]any {
	if e.claims == nil {
		return nil
	}
	raw := e.claims(p)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if jwt.IsReserved(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func (e *Engine) regenerateClaims(ctx context.Context, userID string) (map[string]any, error) {
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, providerError(err)
	}
	return e.claimsFor(principalOf(user)), nil
}

// IssueTokens starts a new session for userID at generation zero.
//
// Flows call this themselves once their last stage completes; call it
// directly only after authenticating the user some other way.
func (e *Engine) IssueTokens(ctx context.Context, userID string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, providerError(err)
	}
	return e.issue(ctx, principalOf(user))
}

func (e *Engine) issue(ctx context.Context, p Principal) (*TokenPair, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	now := e.now()
	claims := e.claimsFor(p)
	sess := &session.Session{
		SessionID:  sid.String(),
		UserID:     p.ID,
		Generation: 0,
		Claims:     claims,
		CreatedAt:  now.Unix(),
		ExpiresAt: session.RotateRequest{
			Now:         now,
			RefreshTTL:  e.config.Token.RefreshTTL,
			AbsoluteTTL: e.config.Token.AbsoluteTTL,
		}.NextExpiry(now.Unix()),
	}
	if err := e.sessions.Save(ctx, sess); err != nil {
		e.metricInc(MetricBackendUnavailable)
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	access, accessExp, err := e.jwtManager.CreateAccess(p.ID, sess.SessionID, claims)
	if err != nil {
		e.discardSession(ctx, sess.SessionID)
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	refreshToken, err := e.refreshCodec.Encode(sess.SessionID, sess.Generation)
	if err != nil {
		e.discardSession(ctx, sess.SessionID)
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventSessionCreated, true, auditRecord{userID: p.ID, sessionID: sess.SessionID}, nil, nil)

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshToken,
		SessionID:        sess.SessionID,
		Generation:       sess.Generation,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: time.Unix(sess.ExpiresAt, 0),
	}, nil
}

func (e *Engine) discardSession(ctx context.Context, sessionID string) {
	if err := e.sessions.Delete(ctx, sessionID); err != nil {
		e.warn("authflow: discard session failed", "session_id", sessionID, "err", err)
	}
}

// ValidateAccess checks an access token. In ModeStateless no store is
// consulted; in ModeStateful exactly one session lookup is made and a
// revoked session yields ErrSessionRevoked.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*AuthResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer e.metricObserve(MetricValidateLatency, start)

	res := e.flow.Validate(ctx, accessToken)
	switch res.Failure {
	case flows.ValidateFailureNone:
		out := &AuthResult{
			UserID:    res.Claims.Subject,
			SessionID: res.Claims.SID,
			Claims:    res.Claims.Extra,
		}
		if res.Claims.ExpiresAt != nil {
			out.ExpiresAt = res.Claims.ExpiresAt.Time
		}
		if at, ok := res.Claims.Extra[ClaimAuthTime].(float64); ok && at > 0 {
			out.AuthenticatedAt = time.Unix(int64(at), 0)
		}
		return out, nil
	case flows.ValidateFailureToken:
		return nil, accessTokenError(res.Err)
	case flows.ValidateFailureSessionNotFound, flows.ValidateFailureSessionMismatch:
		if errors.Is(res.Err, session.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrSessionRevoked
	default:
		e.metricInc(MetricBackendUnavailable)
		return nil, errors.Join(ErrBackendUnavailable, res.Err)
	}
}

// Authenticate resolves the bearer credential of a request. An empty
// credential is anonymous: (nil, nil).
func (e *Engine) Authenticate(ctx context.Context, bearer string) (*AuthResult, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, nil
	}
	return e.ValidateAccess(ctx, bearer)
}

// Refresh exchanges a refresh token for a new access token. With
// RotateRefreshTokens the generation advances and the presented token stops
// working; presenting it again revokes the whole session and returns
// ErrGenerationMismatch. Without rotation the same refresh token is returned
// and stays valid until the session expires or is revoked.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	res := e.flow.Refresh(ctx, refreshToken)
	rec := auditRecord{userID: res.UserID, sessionID: res.SessionID}

	if res.Failure == flows.RefreshFailureNone {
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, auditEventRefreshSuccess, true, rec, nil, nil)
		return &TokenPair{
			AccessToken:      res.AccessToken,
			RefreshToken:     res.RefreshToken,
			SessionID:        res.SessionID,
			Generation:       res.Session.Generation,
			AccessExpiresAt:  res.AccessExpiresAt,
			RefreshExpiresAt: time.Unix(res.Session.ExpiresAt, 0),
		}, nil
	}

	err := e.refreshError(ctx, res)
	e.metricInc(MetricRefreshFailure)
	if errors.Is(err, ErrGenerationMismatch) {
		e.metricInc(MetricRefreshReuseDetected)
		e.metricInc(MetricSessionRevoked)
		e.emitAudit(ctx, auditEventRefreshReuse, false, rec, err, nil)
	} else {
		e.emitAudit(ctx, auditEventRefreshInvalid, false, rec, err, nil)
	}
	return nil, err
}

func (e *Engine) refreshError(ctx context.Context, res flows.RefreshResult) error {
	switch res.Failure {
	case flows.RefreshFailureDecode:
		if errors.Is(res.Err, refresh.ErrInvalidTag) {
			return ErrSignatureInvalid
		}
		return ErrMalformed
	case flows.RefreshFailureRateLimited:
		return res.Err
	case flows.RefreshFailureReuse:
		return ErrGenerationMismatch
	case flows.RefreshFailureSessionNotFound:
		return ErrSessionRevoked
	case flows.RefreshFailureExpired:
		return ErrTokenExpired
	case flows.RefreshFailurePrincipal:
		if errors.Is(res.Err, ErrUserNotFound) {
			// the account is gone; so is every session it had
			if err := e.sessions.Delete(ctx, res.SessionID); err != nil {
				e.warn("authflow: revoke orphaned session failed", "session_id", res.SessionID, "err", err)
			}
			e.metricInc(MetricSessionRevoked)
			return ErrSessionRevoked
		}
		return errors.Join(ErrBackendUnavailable, res.Err)
	default:
		e.metricInc(MetricBackendUnavailable)
		return errors.Join(ErrBackendUnavailable, res.Err)
	}
}

// Revoke deletes a session. Its refresh token stops working at once; its
// access tokens stop working at once in ModeStateful and at expiry in
// ModeStateless. Revoking a missing session is not an error.
func (e *Engine) Revoke(ctx context.Context, sessionID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.flow.Logout(ctx, sessionID); err != nil {
		return errors.Join(ErrBackendUnavailable, err)
	}
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventSessionRevoked, true, auditRecord{sessionID: sessionID}, nil, nil)
	return nil
}

// Logout revokes the session an access token belongs to.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	if err := e.ready(); err != nil {
		return err
	}
	res := e.flow.LogoutByAccessToken(ctx, accessToken)
	return e.logoutResult(ctx, res, accessTokenError)
}

// LogoutByRefreshToken revokes the session a refresh token belongs to,
// whatever generation it carries. Useful once the access token expired.
func (e *Engine) LogoutByRefreshToken(ctx context.Context, refreshToken string) error {
	if err := e.ready(); err != nil {
		return err
	}
	res := e.flow.LogoutByRefreshToken(ctx, refreshToken)
	return e.logoutResult(ctx, res, func(err error) error {
		if errors.Is(err, refresh.ErrInvalidTag) {
			return ErrSignatureInvalid
		}
		return ErrMalformed
	})
}

func (e *Engine) logoutResult(ctx context.Context, res flows.LogoutResult, tokenError func(error) error) error {
	if res.Err != nil {
		if res.SessionID == "" {
			return tokenError(res.Err)
		}
		return errors.Join(ErrBackendUnavailable, res.Err)
	}
	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventSessionRevoked, true, auditRecord{userID: res.UserID, sessionID: res.SessionID}, nil, nil)
	return nil
}

// LogoutAll revokes every session of userID.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.flow.LogoutAll(ctx, userID); err != nil {
		return errors.Join(ErrBackendUnavailable, err)
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, auditRecord{userID: userID}, nil, nil)
	return nil
}

func accessTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrSignatureInvalid
	default:
		return ErrMalformed
	}
}
