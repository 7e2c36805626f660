package authflow

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// AuthenticateTOTP completes the mfa_authenticate stage with a code from
// the user's authenticator app. A code is accepted once per time step; a
// replayed code counts as a failed attempt. The last allowed failure ends the
// flow.
func (e *Engine) AuthenticateTOTP(ctx context.Context, flowID, code string) (*FlowResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	rec, err := flows.RunTOTPStage(ctx, flowID, code, flows.TOTPDeps{
		Stage:       StageMFAAuthenticate,
		MaxAttempts: e.config.TOTP.MaxAttempts,
		Now:         func() time.Time { return e.now() },
		Pending:     e.pending,
		GetSecret: func(ctx context.Context, userID string) (string, error) {
			secret, err := e.users.GetTOTPSecret(ctx, userID)
			return secret, providerError(err)
		},
		Verify:       e.verifyTOTP,
		ClaimCounter: e.claimTOTPCounter,
	})
	if err != nil {
		if res, ok, rerr := e.resumeFinal(ctx, flowID, err); ok {
			return res, rerr
		}
		mapped := mapFlowError(err)
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, auditEventTOTPFailure, false, auditRecord{flowID: flowID, stage: StageMFAAuthenticate}, mapped, nil)
		return nil, mapped
	}

	e.metricInc(MetricTOTPSuccess)
	return e.advance(ctx, rec.FlowID, StageMFAAuthenticate)
}

// verifyTOTP checks code against every step in the skew window and returns
// the matching step counter.
func (e *Engine) verifyTOTP(secret, code string, now time.Time) (int64, bool) {
	cfg := e.config.TOTP
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != cfg.Digits {
		return 0, false
	}

	opts := totp.ValidateOpts{
		Period:    cfg.Period,
		Digits:    otp.Digits(cfg.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
	base := now.Unix() / int64(cfg.Period)
	for step := -int64(cfg.Skew); step <= int64(cfg.Skew); step++ {
		counter := base + step
		if counter < 0 {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(counter*int64(cfg.Period), 0), opts)
		if err != nil {
			e.warn("authflow: totp secret rejected", "err", err)
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return counter, true
		}
	}
	return 0, false
}

// claimTOTPCounter marks counter as spent for userID until it leaves the
// skew window.
func (e *Engine) claimTOTPCounter(ctx context.Context, userID string, counter int64) (bool, error) {
	cfg := e.config.TOTP
	ttl := time.Duration(2*cfg.Skew+1) * time.Duration(cfg.Period) * time.Second
	fresh, err := e.totpReplay.Claim(ctx, userID, counter, ttl)
	if err != nil {
		e.metricInc(MetricBackendUnavailable)
		return false, err
	}
	if !fresh {
		e.metricInc(MetricTOTPReplay)
	}
	return fresh, nil
}
