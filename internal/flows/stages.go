package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/google/uuid"
)

// StageFinalize is the pending stage of a flow whose stages are all
// complete but whose result has not been handed out yet.
const StageFinalize = "finalize"

// StageDeps configures a StageController.
type StageDeps struct {
	Pending PendingStore
	Now     func() time.Time
	NewID   func() string
	FlowTTL time.Duration

	// Applicable reports whether stage must run for rec. Stages that do not
	// apply are skipped.
	Applicable func(ctx context.Context, stage string, rec *stores.PendingRecord) (bool, error)
	// Prepare readies stage on rec before it is committed (for example by
	// issuing a code). The returned func, if any, runs after the commit.
	Prepare func(ctx context.Context, stage string, rec *stores.PendingRecord) (func(), error)
}

// StageController sequences the ordered stages of one flow. Exactly one stage
// is pending at a time and only that stage may be entered.
type StageController struct {
	deps StageDeps
}

func NewStageController(deps StageDeps) *StageController {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Applicable == nil {
		deps.Applicable = func(context.Context, string, *stores.PendingRecord) (bool, error) { return true, nil }
	}
	return &StageController{deps: deps}
}

// Begin starts a flow of kind over stages. When no stage applies, done is
// true and nothing is persisted; the caller finalizes immediately.
func (c *StageController) Begin(ctx context.Context, kind string, stages []string, principalID, email string) (*stores.PendingRecord, bool, error) {
	now := c.deps.Now()
	rec := &stores.PendingRecord{
		FlowID:      c.deps.NewID(),
		Kind:        kind,
		PrincipalID: principalID,
		Email:       email,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(c.deps.FlowTTL).Unix(),
	}

	after, done, err := c.activateNext(ctx, rec, stages)
	if err != nil || done {
		return rec, done, err
	}
	if err := c.deps.Pending.Put(ctx, rec); err != nil {
		return nil, false, err
	}
	after()
	return rec, false, nil
}

// Enter returns the flow if stage is its pending stage.
func (c *StageController) Enter(ctx context.Context, flowID, stage string) (*stores.PendingRecord, error) {
	rec, err := c.deps.Pending.Get(ctx, flowID)
	if err != nil {
		if errors.Is(err, stores.ErrPendingNotFound) {
			return nil, ErrNoPendingStage
		}
		return nil, err
	}
	if rec.Stage != stage {
		return nil, ErrWrongStage
	}
	return rec, nil
}

// Current returns the flow without checking its stage.
func (c *StageController) Current(ctx context.Context, flowID string) (*stores.PendingRecord, error) {
	rec, err := c.deps.Pending.Get(ctx, flowID)
	if errors.Is(err, stores.ErrPendingNotFound) {
		return nil, ErrNoPendingStage
	}
	return rec, err
}

// Advance marks completed as done and activates the next applicable stage.
// The swap is a compare-and-set on the pending stage, so of two concurrent
// advances only one succeeds; the other gets ErrWrongStage or
// ErrNoPendingStage. When no stage remains the flow is parked at
// StageFinalize and done is true; the caller claims it with Take.
func (c *StageController) Advance(ctx context.Context, flowID, completed string) (*stores.PendingRecord, bool, error) {
	var (
		after func()
		done  bool
	)

	rec, err := c.deps.Pending.Update(ctx, flowID, func(current *stores.PendingRecord) (*stores.PendingRecord, error) {
		if current.Stage != completed {
			return nil, ErrWrongStage
		}

		next := *current
		next.Completed = append(append([]string(nil), current.Completed...), completed)
		next.Stage = ""
		next.CodeID = ""
		next.Attempts = 0

		var err error
		after, done, err = c.activateNext(ctx, &next, current.Remaining)
		if err != nil {
			return nil, err
		}
		if done {
			next.Stage = StageFinalize
		}
		return &next, nil
	})
	if err != nil {
		if errors.Is(err, stores.ErrPendingNotFound) {
			return nil, false, ErrNoPendingStage
		}
		return nil, false, err
	}

	if done {
		return rec, true, nil
	}
	after()
	return rec, false, nil
}

// Take removes the flow if stage is its pending stage and nothing follows
// it, and returns the removed record. Of two concurrent takes only one gets
// the record.
func (c *StageController) Take(ctx context.Context, flowID, stage string) (*stores.PendingRecord, error) {
	rec, err := c.deps.Pending.Update(ctx, flowID, func(current *stores.PendingRecord) (*stores.PendingRecord, error) {
		if current.Stage != stage || len(current.Remaining) > 0 {
			return nil, ErrWrongStage
		}
		return nil, nil
	})
	if errors.Is(err, stores.ErrPendingNotFound) {
		return nil, ErrNoPendingStage
	}
	return rec, err
}

// Restore puts back a record removed by Take whose result could not be
// delivered. It fails with ErrNoPendingStage once the flow has expired.
func (c *StageController) Restore(ctx context.Context, rec *stores.PendingRecord) error {
	err := c.deps.Pending.Put(ctx, rec)
	if errors.Is(err, stores.ErrPendingNotFound) {
		return ErrNoPendingStage
	}
	return err
}

// Abort deletes the flow.
func (c *StageController) Abort(ctx context.Context, flowID string) error {
	existed, err := c.deps.Pending.Delete(ctx, flowID)
	if err != nil {
		return err
	}
	if !existed {
		return ErrNoPendingStage
	}
	return nil
}

func (c *StageController) activateNext(ctx context.Context, rec *stores.PendingRecord, remaining []string) (func(), bool, error) {
	for i, stage := range remaining {
		ok, err := c.deps.Applicable(ctx, stage, rec)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}

		rec.Stage = stage
		rec.Remaining = append([]string(nil), remaining[i+1:]...)

		after := func() {}
		if c.deps.Prepare != nil {
			hook, err := c.deps.Prepare(ctx, stage, rec)
			if err != nil {
				return nil, false, err
			}
			if hook != nil {
				after = hook
			}
		}
		return after, false, nil
	}
	rec.Remaining = nil
	return nil, true, nil
}
