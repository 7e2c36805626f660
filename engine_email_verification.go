package authflow

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/stores"
)

// emailVerificationCapability serves the verify_email stage both as a
// standalone flow and as a stage of a login flow.
type emailVerificationCapability struct {
	engine *Engine
}

// BuildContext resolves a user id. Unknown users and addresses that are
// already verified get a code that never verifies.
func (c emailVerificationCapability) BuildContext(ctx context.Context, userID string) (flows.VerificationContext, error) {
	vctx := flows.VerificationContext{Kind: flowVerifyEmail, Email: userID}
	user, err := c.engine.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return vctx, nil
		}
		return vctx, providerError(err)
	}
	vctx.Email = user.Email
	if !user.EmailVerified {
		vctx.PrincipalID = user.UserID
	}
	return vctx, nil
}

func (c emailVerificationCapability) DispatchChallenge(ctx context.Context, vctx flows.VerificationContext, code string, expiresAt time.Time) error {
	return c.engine.sendCode(ctx, StageVerifyEmail, vctx, vctx.FlowID, code, expiresAt)
}

func (c emailVerificationCapability) ApplyOutcome(ctx context.Context, rec *stores.PendingRecord) (*FlowResult, error) {
	e := c.engine
	if err := e.users.MarkEmailVerified(ctx, rec.PrincipalID); err != nil {
		return nil, providerError(err)
	}
	e.metricInc(MetricEmailVerified)
	e.emitAudit(ctx, auditEventEmailVerified, true, auditRecord{userID: rec.PrincipalID, flowID: rec.FlowID, stage: StageVerifyEmail}, nil, nil)
	return e.advance(ctx, rec.FlowID, StageVerifyEmail)
}

// RequestEmailVerification mails a verification code to the address of
// userID and returns the flow to confirm it with.
func (e *Engine) RequestEmailVerification(ctx context.Context, userID string) (*PendingFlow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.rateLimit(ctx, ActionVerifyEmail, normalizeIdentity(userID)); err != nil {
		return nil, err
	}
	rec, err := e.emailVerification.Initiate(ctx, userID)
	if err != nil {
		return nil, mapFlowError(err)
	}
	return pendingFlowOf(rec), nil
}

// VerifyEmail confirms the code of the flow's verify_email stage. Inside a
// login flow the login continues with its next stage or finishes with tokens;
// a standalone verification finishes with neither.
func (e *Engine) VerifyEmail(ctx context.Context, flowID, code string) (*FlowResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	res, err := e.emailVerification.Finish(ctx, flowID, code)
	if err != nil {
		if res, ok, rerr := e.resumeFinal(ctx, flowID, err); ok {
			return res, rerr
		}
		return nil, e.codeFailure(ctx, flowID, StageVerifyEmail, err)
	}
	e.metricInc(MetricCodeVerified)
	return res, nil
}
