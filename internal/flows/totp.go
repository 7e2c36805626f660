package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/internal/stores"
)

// TOTPDeps captures the authenticator-app stage dependencies.
type TOTPDeps struct {
	Stage       string
	MaxAttempts int
	Now         func() time.Time

	Pending   PendingStore
	GetSecret func(ctx context.Context, userID string) (string, error)
	// Verify returns the time-step counter code is valid for.
	Verify func(secret, code string, now time.Time) (int64, bool)
	// ClaimCounter records counter as used for userID. It reports false when
	// the counter was already used.
	ClaimCounter func(ctx context.Context, userID string, counter int64) (bool, error)
}

// RunTOTPStage checks code for the flow's pending TOTP stage. Failed attempts
// are counted on the pending record; the last allowed failure deletes the
// flow. On success the caller advances the flow.
func RunTOTPStage(ctx context.Context, flowID, code string, deps TOTPDeps) (*stores.PendingRecord, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 5
	}

	rec, err := deps.Pending.Get(ctx, flowID)
	if err != nil {
		if errors.Is(err, stores.ErrPendingNotFound) {
			return nil, ErrNoPendingStage
		}
		return nil, err
	}
	if rec.Stage != deps.Stage {
		return nil, ErrWrongStage
	}

	secret, err := deps.GetSecret(ctx, rec.PrincipalID)
	if err != nil {
		return nil, err
	}

	if counter, ok := deps.Verify(secret, code, deps.Now()); ok && secret != "" {
		fresh, err := deps.ClaimCounter(ctx, rec.PrincipalID, counter)
		if err != nil {
			return nil, err
		}
		if fresh {
			return rec, nil
		}
	}

	return nil, recordTOTPFailure(ctx, rec, deps)
}

func recordTOTPFailure(ctx context.Context, rec *stores.PendingRecord, deps TOTPDeps) error {
	exhausted := false
	_, err := deps.Pending.Update(ctx, rec.FlowID, func(current *stores.PendingRecord) (*stores.PendingRecord, error) {
		exhausted = false
		if current.Stage != deps.Stage {
			return nil, ErrWrongStage
		}
		if current.Attempts+1 >= deps.MaxAttempts {
			exhausted = true
			return nil, nil
		}
		next := *current
		next.Attempts = current.Attempts + 1
		return &next, nil
	})
	if err != nil {
		if errors.Is(err, stores.ErrPendingNotFound) {
			return ErrNoPendingStage
		}
		return err
	}
	if exhausted {
		return ErrCodeExhausted
	}
	return ErrCodeMismatch
}
