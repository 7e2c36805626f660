package authflow

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/stores"
)

type loginCodeCapability struct {
	engine *Engine
}

func (c loginCodeCapability) BuildContext(ctx context.Context, identifier string) (flows.VerificationContext, error) {
	vctx := flows.VerificationContext{
		Kind:      flowLoginByCode,
		Email:     identifier,
		Remaining: []string{StageMFAAuthenticate},
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

func (c loginCodeCapability) DispatchChallenge(ctx context.Context, vctx flows.VerificationContext, code string, expiresAt time.Time) error {
	return c.engine.sendCode(ctx, StageLoginByCode, vctx, vctx.FlowID, code, expiresAt)
}

func (c loginCodeCapability) ApplyOutcome(ctx context.Context, rec *stores.PendingRecord) (*FlowResult, error) {
	return c.engine.advance(ctx, rec.FlowID, StageLoginByCode)
}

// RequestLoginCode starts a login-by-code flow for identifier and mails the
// code. Unknown identifiers get a flow handle too; its code never verifies
// and nothing is sent.
func (e *Engine) RequestLoginCode(ctx context.Context, identifier string) (*PendingFlow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	key := normalizeIdentity(identifier)
	if err := e.rateLimit(ctx, ActionRequestLoginCode, key); err != nil {
		return nil, err
	}
	rec, err := e.loginCode.Initiate(ctx, key)
	if err != nil {
		return nil, mapFlowError(err)
	}
	return pendingFlowOf(rec), nil
}

// ConfirmLoginCode checks code against the flow. On success the flow moves
// to its next stage, or tokens are issued when none is left. Calling it again
// after a failure at token issuance retries the issuance.
func (e *Engine) ConfirmLoginCode(ctx context.Context, flowID, code string) (*FlowResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	res, err := e.loginCode.Finish(ctx, flowID, code)
	if err != nil {
		if res, ok, rerr := e.resumeFinal(ctx, flowID, err); ok {
			return res, rerr
		}
		return nil, e.codeFailure(ctx, flowID, StageLoginByCode, err)
	}
	e.metricInc(MetricCodeVerified)
	return res, nil
}
