package authflow

import (
	"errors"

	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/stores"
)

// Challenge code errors.
var (
	// ErrExpired is returned when a code or its flow outlived its TTL.
	ErrExpired = errors.New("code expired")
	// ErrAttemptsExhausted is returned when a code ran out of attempts. The
	// flow is gone and must be restarted.
	ErrAttemptsExhausted = errors.New("code attempts exhausted")
	// ErrMismatch is returned for a wrong or malformed code. The flow stays
	// pending.
	ErrMismatch = errors.New("code mismatch")
	// ErrAlreadyConsumed is returned when a code was already used.
	ErrAlreadyConsumed = errors.New("code already consumed")
)

// Stage errors. Both are conflicts: the caller acted on a stage that is not
// the pending one.
var (
	// ErrNoPendingStage is returned when the flow does not exist or has ended.
	ErrNoPendingStage = errors.New("no pending stage")
	// ErrWrongStage is returned when a different stage is pending.
	ErrWrongStage = errors.New("wrong stage")
)

// Token errors.
var (
	// ErrMalformed is returned for tokens that cannot be decoded.
	ErrMalformed = errors.New("token malformed")
	// ErrSignatureInvalid is returned for tokens that were not signed by us.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrTokenExpired is returned for expired tokens and sessions.
	ErrTokenExpired = errors.New("token expired")
	// ErrSessionRevoked is returned when the session behind a token is gone.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrGenerationMismatch is returned when a stale refresh token was
	// presented. The whole session has been revoked.
	ErrGenerationMismatch = errors.New("refresh generation mismatch")
	// ErrBackendUnavailable is returned when the session or flow store cannot
	// be reached. It is never reported as a revocation.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Engine errors.
var (
	// ErrInvalidCredentials is returned for a wrong identifier or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRateLimited is returned when the RateLimiter rejected the action.
	ErrRateLimited = errors.New("rate limited")
	// ErrUserNotFound must be returned by UserProvider lookups for unknown users.
	ErrUserNotFound = errors.New("user not found")
	// ErrEngineNotReady is returned by a nil or partially built Engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrInvalidConfig wraps Config.Validate failures.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrPasswordPolicy is returned for new passwords outside the length bounds.
	ErrPasswordPolicy = errors.New("password policy violation")
)

// IsConflict reports whether err means the caller acted on a stage that is
// not pending.
func IsConflict(err error) bool {
	return errors.Is(err, ErrNoPendingStage) || errors.Is(err, ErrWrongStage)
}

// PublicMessage returns client-safe text for err. Code and stage failures
// collapse into one message so responses do not reveal which check failed.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMismatch),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrAlreadyConsumed),
		errors.Is(err, ErrNoPendingStage):
		return "invalid or expired code"
	case errors.Is(err, ErrAttemptsExhausted):
		return "too many attempts, start over"
	case errors.Is(err, ErrWrongStage):
		return "conflict"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid credentials"
	case errors.Is(err, ErrRateLimited):
		return "too many requests"
	case errors.Is(err, ErrMalformed),
		errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrSessionRevoked),
		errors.Is(err, ErrGenerationMismatch):
		return "invalid or expired token"
	case errors.Is(err, ErrPasswordPolicy):
		return "password does not meet policy"
	default:
		return "service unavailable"
	}
}

// mapFlowError translates flow-level outcomes into the public set.
func mapFlowError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, flows.ErrNoPendingStage):
		return ErrNoPendingStage
	case errors.Is(err, flows.ErrWrongStage), errors.Is(err, stores.ErrPendingConflict):
		// a concurrent request moved the flow on
		return ErrWrongStage
	case errors.Is(err, flows.ErrCodeMismatch), errors.Is(err, flows.ErrCodeMalformed):
		return ErrMismatch
	case errors.Is(err, flows.ErrCodeExpired):
		return ErrExpired
	case errors.Is(err, flows.ErrCodeExhausted):
		return ErrAttemptsExhausted
	case errors.Is(err, flows.ErrCodeConsumed):
		return ErrAlreadyConsumed
	case isPublic(err):
		return err
	default:
		return errors.Join(ErrBackendUnavailable, err)
	}
}

func isPublic(err error) bool {
	for _, target := range []error{
		ErrRateLimited, ErrInvalidCredentials, ErrUserNotFound, ErrPasswordPolicy,
		ErrEngineNotReady, ErrBackendUnavailable, ErrSessionRevoked,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
