package flows

import "errors"

// Flow-level outcomes. The root package maps these onto its public sentinels.
var (
	ErrNoPendingStage = errors.New("no pending stage for flow")
	ErrWrongStage     = errors.New("stage is not the pending stage")

	ErrCodeMismatch  = errors.New("code mismatch")
	ErrCodeExpired   = errors.New("code expired")
	ErrCodeExhausted = errors.New("code attempts exhausted")
	ErrCodeConsumed  = errors.New("code already consumed")
	ErrCodeMalformed = errors.New("code malformed")
)
