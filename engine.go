package authflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrEthical07/authflow/internal"
	internalaudit "github.com/MrEthical07/authflow/internal/audit"
	"github.com/MrEthical07/authflow/internal/flows"
	internalmetrics "github.com/MrEthical07/authflow/internal/metrics"
	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/password"
	"github.com/MrEthical07/authflow/refresh"
)

// Engine runs login flows and the token lifecycle. It is safe for concurrent
// use once built.
type Engine struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	users   UserProvider
	sender  CodeSender
	claims  ClaimsFunc
	limiter RateLimiter

	sessions   SessionStore
	challenges *stores.ChallengeStore
	pending    *stores.PendingStore
	totpReplay *stores.TOTPReplayStore

	passwords    *password.Hasher
	dummyHash    string
	jwtManager   *jwt.Manager
	refreshCodec *refresh.Codec

	flow              flows.Service
	stages            *flows.StageController
	loginCode         *flows.VerificationProcess[*FlowResult]
	emailVerification *flows.VerificationProcess[*FlowResult]
	resetCode         *flows.VerificationProcess[*PendingFlow]

	audit   *internalaudit.Dispatcher
	metrics *internalmetrics.Metrics
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

func (e *Engine) ready() error {
	if e == nil || e.jwtManager == nil || e.stages == nil || !e.flow.Initialized() {
		return ErrEngineNotReady
	}
	return nil
}

// normalizeIdentity is the rate-limit and lookup key form of an email or
// username.
func normalizeIdentity(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// rateLimit consumes one hit for action. A failing limiter rejects the
// request rather than letting it through unmetered.
func (e *Engine) rateLimit(ctx context.Context, action, key string) error {
	ok, err := e.limiter.ConsumeOrReject(ctx, action, key)
	if err != nil {
		e.metricInc(MetricBackendUnavailable)
		return errors.Join(ErrBackendUnavailable, err)
	}
	if !ok {
		e.metricInc(MetricRateLimitHit)
		e.emitAudit(ctx, auditEventRateLimited, false, auditRecord{}, ErrRateLimited, func() map[string]string {
			return map[string]string{"action": action}
		})
		return ErrRateLimited
	}
	return nil
}

// clearRateLimit empties the (action, key) window when the limiter supports
// it. Failure only costs the user a wait, so it is logged and dropped.
func (e *Engine) clearRateLimit(ctx context.Context, action, key string) {
	r, ok := e.limiter.(RateLimitResetter)
	if !ok {
		return
	}
	if err := r.Reset(ctx, action, key); err != nil {
		e.warn("authflow: rate limit reset failed", "action", action, "err", err)
	}
}

// providerError keeps ErrUserNotFound distinguishable and classifies every
// other account store failure as a backend failure.
func providerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUserNotFound):
		return err
	default:
		return errors.Join(ErrBackendUnavailable, err)
	}
}

func principalOf(user UserRecord) Principal {
	return Principal{
		ID:            user.UserID,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		Attributes:    user.Attributes,
	}
}

func (e *Engine) warn(msg string, args ...any) {
	e.logger.Warn(msg, args...)
}

func (e *Engine) checkPasswordPolicy(pw string) error {
	n := utf8.RuneCountInString(pw)
	if n < e.config.Password.MinLength || len(pw) > e.config.Password.MaxLength {
		return ErrPasswordPolicy
	}
	return nil
}

/*
====================================
CODE STAGES
====================================
*/

func (e *Engine) codeAlphabet() string {
	if e.config.Codes.Alphabet == AlphabetAlphanumeric {
		return internal.CodeAlphabet
	}
	return internal.DigitAlphabet
}

// validCode rejects input that cannot be a code before any store lookup.
// Such input still costs an attempt.
func (e *Engine) validCode(code string) bool {
	normalized := internal.NormalizeCode(code)
	if len(normalized) != e.config.Codes.Length {
		return false
	}
	alphabet := e.codeAlphabet()
	for i := 0; i < len(normalized); i++ {
		if strings.IndexByte(alphabet, normalized[i]) < 0 {
			return false
		}
	}
	return true
}

func (e *Engine) codeDeps(purpose stores.Purpose, stage string) flows.VerificationDeps {
	return flows.VerificationDeps{
		Purpose:    purpose,
		Stage:      stage,
		Challenges: e.challenges,
		Pending:    e.pending,
		NewCode: func() (string, error) {
			return internal.NewCode(e.codeAlphabet(), e.config.Codes.Length)
		},
		ValidCode:   e.validCode,
		Now:         func() time.Time { return e.now() },
		Warn:        e.warn,
		CodeTTL:     e.config.Codes.TTL,
		FlowTTL:     e.config.Codes.FlowTTL,
		MaxAttempts: e.config.Codes.MaxAttempts,
	}
}

// sendCode delivers a code. Delivery failures never unwind the challenge.
func (e *Engine) sendCode(ctx context.Context, purpose string, vctx flows.VerificationContext, flowID, code string, expiresAt time.Time) error {
	err := e.sender.SendCode(ctx, CodeMessage{
		Purpose:   purpose,
		FlowID:    flowID,
		UserID:    vctx.PrincipalID,
		Email:     vctx.Email,
		Code:      code,
		ExpiresAt: expiresAt,
	})
	rec := auditRecord{userID: vctx.PrincipalID, flowID: flowID, stage: purpose}
	if err != nil {
		e.metricInc(MetricCodeDispatchFailed)
		e.emitAudit(ctx, auditEventCodeDispatchFailed, false, rec, err, nil)
		return err
	}
	e.metricInc(MetricCodeIssued)
	e.emitAudit(ctx, auditEventCodeIssued, true, rec, nil, nil)
	return nil
}

// codeStageFor returns the code stage runner for stage, if stage takes a code.
func (e *Engine) codeStageFor(stage string) (codeStage, bool) {
	switch stage {
	case StageLoginByCode:
		return codeStage{process: e.loginCode, action: ActionRequestLoginCode}, true
	case StageVerifyEmail:
		return codeStage{process: e.emailVerification, action: ActionVerifyEmail}, true
	case StageResetPassword:
		return codeStage{process: e.resetCode, action: ActionResetPassword}, true
	default:
		return codeStage{}, false
	}
}

type codeProcess interface {
	Resume(ctx context.Context, flowID string) (*stores.PendingRecord, error)
	Resend(ctx context.Context, flowID string) (*stores.PendingRecord, error)
	RecordInvalidAttempt(ctx context.Context, flowID string) (bool, error)
}

type codeStage struct {
	process codeProcess
	action  string
}

/*
====================================
STAGE CONTROL
====================================
*/

// stageApplicable skips stages the user has nothing to do for.
func (e *Engine) stageApplicable(ctx context.Context, stage string, rec *stores.PendingRecord) (bool, error) {
	switch stage {
	case StageVerifyEmail:
		user, err := e.users.GetUserByID(ctx, rec.PrincipalID)
		if err != nil {
			return false, providerError(err)
		}
		return !user.EmailVerified, nil
	case StageMFAAuthenticate:
		secret, err := e.users.GetTOTPSecret(ctx, rec.PrincipalID)
		if err != nil {
			return false, providerError(err)
		}
		return secret != "", nil
	default:
		return true, nil
	}
}

// prepareStage issues the code of a code stage entered through the stage
// controller. The returned func delivers it after the flow is committed.
func (e *Engine) prepareStage(ctx context.Context, stage string, rec *stores.PendingRecord) (func(), error) {
	if stage == StageVerifyEmail {
		return e.emailVerification.Prepare(ctx, rec)
	}
	return nil, nil
}

func pendingFlowOf(rec *stores.PendingRecord) *PendingFlow {
	return &PendingFlow{
		FlowID:    rec.FlowID,
		Stage:     rec.Stage,
		Remaining: append([]string(nil), rec.Remaining...),
		ExpiresAt: time.Unix(rec.ExpiresAt, 0),
	}
}

// advance completes stage on the flow and, for login flows, issues tokens
// once no stage is left.
func (e *Engine) advance(ctx context.Context, flowID, stage string) (*FlowResult, error) {
	rec, done, err := e.stages.Advance(ctx, flowID, stage)
	if err != nil {
		return nil, mapFlowError(err)
	}
	e.metricInc(MetricStageAdvanced)
	e.emitAudit(ctx, auditEventStageAdvanced, true, auditRecord{userID: rec.PrincipalID, flowID: flowID, stage: stage}, nil, nil)

	if !done {
		return &FlowResult{UserID: rec.PrincipalID, Pending: pendingFlowOf(rec)}, nil
	}
	return e.complete(ctx, flowID)
}

// complete claims a flow parked at the finalize stage and turns it into its
// result. If that fails the flow is put back, so the caller can retry.
func (e *Engine) complete(ctx context.Context, flowID string) (*FlowResult, error) {
	rec, err := e.stages.Take(ctx, flowID, StageFinalize)
	if err != nil {
		return nil, mapFlowError(err)
	}
	res, err := e.finish(ctx, rec)
	if err != nil {
		if rerr := e.stages.Restore(context.WithoutCancel(ctx), rec); rerr != nil {
			e.warn("authflow: restore flow after failed finish", "flow_id", flowID, "err", rerr)
		}
		return nil, err
	}
	return res, nil
}

// resumeFinal retries completion when a stage submission found its flow
// already past every stage. ok is false when cause should stand.
func (e *Engine) resumeFinal(ctx context.Context, flowID string, cause error) (*FlowResult, bool, error) {
	if !errors.Is(cause, flows.ErrWrongStage) {
		return nil, false, nil
	}
	res, err := e.complete(ctx, flowID)
	if errors.Is(err, ErrWrongStage) || errors.Is(err, ErrNoPendingStage) {
		return nil, false, nil
	}
	return res, true, err
}

// ResumeFlow completes a flow whose stages are all done but whose result
// was not delivered, typically because the account or session store failed
// at the last step. Other flows get ErrWrongStage.
func (e *Engine) ResumeFlow(ctx context.Context, flowID string) (*FlowResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.complete(ctx, flowID)
}

// finish turns a completed flow into its result.
func (e *Engine) finish(ctx context.Context, rec *stores.PendingRecord) (*FlowResult, error) {
	switch rec.Kind {
	case flowLogin, flowLoginByCode, flowSignup:
		user, err := e.users.GetUserByID(ctx, rec.PrincipalID)
		if err != nil {
			return nil, providerError(err)
		}
		pair, err := e.issue(ctx, principalOf(user))
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricLoginSuccess)
		e.emitAudit(ctx, auditEventLoginSuccess, true, auditRecord{userID: user.UserID, sessionID: pair.SessionID, flowID: rec.FlowID}, nil, nil)
		return &FlowResult{UserID: user.UserID, Tokens: pair}, nil
	default:
		return &FlowResult{UserID: rec.PrincipalID}, nil
	}
}

// PendingStage returns the flow's pending stage, or ErrNoPendingStage. On a
// code stage it also reports whether the issued code is still usable.
func (e *Engine) PendingStage(ctx context.Context, flowID string) (*PendingFlow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	rec, err := e.stages.Current(ctx, flowID)
	if err != nil {
		return nil, mapFlowError(err)
	}
	out := pendingFlowOf(rec)
	if cs, ok := e.codeStageFor(rec.Stage); ok {
		live, err := cs.process.Resume(ctx, flowID)
		if err != nil {
			return nil, mapFlowError(err)
		}
		out.CodeUsable = live != nil
	}
	return out, nil
}

// CancelFlow abandons the flow. Codes issued for it stop being usable.
func (e *Engine) CancelFlow(ctx context.Context, flowID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.stages.Abort(ctx, flowID); err != nil {
		return mapFlowError(err)
	}
	e.metricInc(MetricFlowAborted)
	e.emitAudit(ctx, auditEventFlowAborted, true, auditRecord{flowID: flowID}, nil, nil)
	return nil
}

// ResendCode issues a new code for the flow's pending code stage and
// delivers it. The previous code stops working.
func (e *Engine) ResendCode(ctx context.Context, flowID string) (*PendingFlow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	rec, err := e.stages.Current(ctx, flowID)
	if err != nil {
		return nil, mapFlowError(err)
	}
	cs, ok := e.codeStageFor(rec.Stage)
	if !ok {
		return nil, ErrWrongStage
	}
	if err := e.rateLimit(ctx, cs.action, normalizeIdentity(rec.Email)); err != nil {
		return nil, err
	}
	updated, err := cs.process.Resend(ctx, flowID)
	if err != nil {
		return nil, mapFlowError(err)
	}
	return pendingFlowOf(updated), nil
}

// RecordInvalidCodeAttempt charges one attempt to the pending code, for
// input the caller rejected before submitting it. It returns
// ErrAttemptsExhausted once the flow has been abandoned.
func (e *Engine) RecordInvalidCodeAttempt(ctx context.Context, flowID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	rec, err := e.stages.Current(ctx, flowID)
	if err != nil {
		return mapFlowError(err)
	}
	cs, ok := e.codeStageFor(rec.Stage)
	if !ok {
		return ErrWrongStage
	}
	abandoned, err := cs.process.RecordInvalidAttempt(ctx, flowID)
	if err != nil {
		return mapFlowError(err)
	}
	if abandoned {
		e.metricInc(MetricCodeAttemptsExhausted)
		return ErrAttemptsExhausted
	}
	return nil
}

// codeFailure records metrics and audit for a failed code submission.
func (e *Engine) codeFailure(ctx context.Context, flowID, stage string, err error) error {
	mapped := mapFlowError(err)
	switch {
	case errors.Is(mapped, ErrAttemptsExhausted):
		e.metricInc(MetricCodeAttemptsExhausted)
	case errors.Is(mapped, ErrBackendUnavailable):
		e.metricInc(MetricBackendUnavailable)
	default:
		e.metricInc(MetricCodeMismatch)
	}
	e.emitAudit(ctx, auditEventCodeFailure, false, auditRecord{flowID: flowID, stage: stage}, mapped, nil)
	return mapped
}
