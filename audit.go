package authflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	internalaudit "github.com/MrEthical07/authflow/internal/audit"
)

// AuditEvent is one security-relevant engine event.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

type NoOpSink = internalaudit.NoOpSink

type ChannelSink = internalaudit.ChannelSink

type JSONWriterSink = internalaudit.JSONWriterSink

type SlogSink = internalaudit.SlogSink

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewSlogSink writes audit events through logger at level.
func NewSlogSink(logger *slog.Logger, level slog.Level) *SlogSink {
	return internalaudit.NewSlogSink(logger, level)
}

const (
	auditEventLoginSuccess        = "login_success"
	auditEventLoginFailure        = "login_failure"
	auditEventRateLimited         = "rate_limit_triggered"
	auditEventSessionCreated      = "session_created"
	auditEventRefreshSuccess      = "refresh_success"
	auditEventRefreshInvalid      = "refresh_invalid"
	auditEventRefreshReuse        = "refresh_reuse_detected"
	auditEventSessionRevoked      = "session_revoked"
	auditEventLogoutAll           = "logout_all"
	auditEventCodeIssued          = "code_issued"
	auditEventCodeDispatchFailed  = "code_dispatch_failed"
	auditEventCodeFailure         = "code_failure"
	auditEventStageAdvanced       = "stage_advanced"
	auditEventFlowAborted         = "flow_aborted"
	auditEventTOTPFailure         = "totp_failure"
	auditEventEmailVerified       = "email_verified"
	auditEventPasswordReset       = "password_reset"
	auditEventPasswordResetDenied = "password_reset_denied"
	auditEventPasswordChanged     = "password_changed"
	auditEventReauthenticated     = "reauthenticated"
	auditEventReauthFailure       = "reauthentication_failure"
	auditEventSignupStarted       = "signup_started"
)

// auditRecord carries the identifiers of one event. Zero fields are omitted.
type auditRecord struct {
	userID    string
	sessionID string
	flowID    string
	stage     string
}

func (e *Engine) emitAudit(ctx context.Context, eventType string, success bool, rec auditRecord, err error, metadata func() map[string]string) {
	if e == nil || e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    rec.userID,
		SessionID: rec.sessionID,
		FlowID:    rec.flowID,
		Stage:     rec.stage,
		Success:   success,
		Error:     auditErrorCode(err),
	}
	if metadata != nil {
		event.Metadata = metadata()
	}
	event.Metadata = requestMetadata(ctx, event.Metadata)

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrGenerationMismatch):
		return "refresh_reuse"
	case errors.Is(err, ErrSessionRevoked):
		return "session_revoked"
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrSignatureInvalid):
		return "invalid_token"
	case errors.Is(err, ErrMismatch):
		return "mismatch"
	case errors.Is(err, ErrAttemptsExhausted):
		return "attempts_exhausted"
	case errors.Is(err, ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrNoPendingStage), errors.Is(err, ErrWrongStage):
		return "conflict"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrPasswordPolicy):
		return "password_policy"
	default:
		return "internal_error"
	}
}

// AuditDropped returns how many audit events were dropped because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}
