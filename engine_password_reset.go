package authflow

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/stores"
)

// resetCodeCapability turns a confirmed reset code into a single-use
// permission to set a new password: the flow advances to
// reset_password_from_key.
type resetCodeCapability struct {
	engine *Engine
}

func (c resetCodeCapability) BuildContext(ctx context.Context, identifier string) (flows.VerificationContext, error) {
	vctx := flows.VerificationContext{
		Kind:      flowResetPassword,
		Email:     identifier,
		Remaining: []string{StageResetPasswordFromKey},
	}
	user, err := c.engine.users.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return vctx, nil
		}
		return vctx, providerError(err)
	}
	vctx.PrincipalID = user.UserID
	vctx.Email = user.Email
	return vctx, nil
}

func (c resetCodeCapability) DispatchChallenge(ctx context.Context, vctx flows.VerificationContext, code string, expiresAt time.Time) error {
	return c.engine.sendCode(ctx, StageResetPassword, vctx, vctx.FlowID, code, expiresAt)
}

func (c resetCodeCapability) ApplyOutcome(ctx context.Context, rec *stores.PendingRecord) (*PendingFlow, error) {
	e := c.engine
	next, done, err := e.stages.Advance(ctx, rec.FlowID, StageResetPassword)
	if err != nil {
		return nil, err
	}
	if done {
		// reset_password_from_key always applies
		return nil, flows.ErrNoPendingStage
	}
	e.metricInc(MetricStageAdvanced)
	e.emitAudit(ctx, auditEventStageAdvanced, true, auditRecord{userID: next.PrincipalID, flowID: next.FlowID, stage: StageResetPassword}, nil, nil)
	return pendingFlowOf(next), nil
}

// RequestPasswordReset mails a reset code for identifier. The response does
// not reveal whether the account exists.
func (e *Engine) RequestPasswordReset(ctx context.Context, identifier string) (*PendingFlow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	key := normalizeIdentity(identifier)
	if err := e.rateLimit(ctx, ActionResetPassword, key); err != nil {
		return nil, err
	}
	rec, err := e.resetCode.Initiate(ctx, key)
	if err != nil {
		return nil, mapFlowError(err)
	}
	return pendingFlowOf(rec), nil
}

// ConfirmPasswordResetCode checks the reset code. On success the flow's
// pending stage becomes reset_password_from_key and [Engine.ResetPassword]
// may be called once.
func (e *Engine) ConfirmPasswordResetCode(ctx context.Context, flowID, code string) (*PendingFlow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	pending, err := e.resetCode.Finish(ctx, flowID, code)
	if err != nil {
		return nil, e.codeFailure(ctx, flowID, StageResetPassword, err)
	}
	e.metricInc(MetricCodeVerified)
	return pending, nil
}

// ResetPassword sets a new password for a flow whose code was confirmed.
// The permission is consumed exactly once, when the new hash is stored;
// every session of the user is revoked afterwards and the login rate limit
// of the account's email is cleared.
func (e *Engine) ResetPassword(ctx context.Context, flowID, newPassword string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	rec, err := e.stages.Enter(ctx, flowID, StageResetPasswordFromKey)
	if err != nil {
		return e.resetDenied(ctx, flowID, mapFlowError(err))
	}
	if err := e.rateLimit(ctx, ActionResetPasswordFromKey, normalizeIdentity(rec.Email)); err != nil {
		return err
	}

	hash, err := e.passwords.Hash(newPassword)
	if err != nil {
		return ErrPasswordPolicy
	}

	// Taking the flow is the single-use check: of two concurrent resets only
	// one gets past it. The permission is handed back if the write fails.
	final, err := e.stages.Take(ctx, flowID, StageResetPasswordFromKey)
	if err != nil {
		return e.resetDenied(ctx, flowID, mapFlowError(err))
	}

	if err := e.users.UpdatePasswordHash(ctx, final.PrincipalID, hash); err != nil {
		if rerr := e.stages.Restore(context.WithoutCancel(ctx), final); rerr != nil {
			e.warn("authflow: restore reset permission failed", "flow_id", flowID, "err", rerr)
		}
		return providerError(err)
	}
	e.metricInc(MetricPasswordReset)
	e.emitAudit(ctx, auditEventPasswordReset, true, auditRecord{userID: final.PrincipalID, flowID: flowID}, nil, nil)
	e.clearRateLimit(ctx, ActionLogin, normalizeIdentity(final.Email))

	if err := e.sessions.DeleteAllForUser(ctx, final.PrincipalID); err != nil {
		e.warn("authflow: revoke sessions after reset failed", "user_id", final.PrincipalID, "err", err)
		return errors.Join(ErrBackendUnavailable, err)
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, auditRecord{userID: final.PrincipalID, flowID: flowID}, nil, nil)
	return nil
}

// ResetPasswordWithCode confirms code and sets newPassword in one call. The
// password policy is checked first so a rejected password leaves the code
// unspent.
func (e *Engine) ResetPasswordWithCode(ctx context.Context, flowID, code, newPassword string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}
	if _, err := e.ConfirmPasswordResetCode(ctx, flowID, code); err != nil {
		return err
	}
	return e.ResetPassword(ctx, flowID, newPassword)
}

func (e *Engine) resetDenied(ctx context.Context, flowID string, err error) error {
	e.emitAudit(ctx, auditEventPasswordResetDenied, false, auditRecord{flowID: flowID, stage: StageResetPasswordFromKey}, err, nil)
	return err
}
