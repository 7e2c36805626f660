package flows

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/internal/stores"
)

func newTestController(t *testing.T, deps StageDeps) (*StageController, *stores.PendingStore) {
	t.Helper()
	_, rdb := newFlowRedis(t)
	pending := stores.NewPendingStore(rdb, "aps")
	deps.Pending = pending
	if deps.FlowTTL == 0 {
		deps.FlowTTL = 10 * time.Minute
	}
	return NewStageController(deps), pending
}

func TestStageControllerSequence(t *testing.T) {
	controller, _ := newTestController(t, StageDeps{})
	ctx := context.Background()

	rec, done, err := controller.Begin(ctx, "login", []string{"verify_email", "mfa_authenticate"}, "u-1", "a@example.com")
	if err != nil || done {
		t.Fatalf("begin: done=%v err=%v", done, err)
	}
	if rec.Stage != "verify_email" {
		t.Fatalf("expected verify_email pending, got %q", rec.Stage)
	}

	if _, err := controller.Enter(ctx, rec.FlowID, "mfa_authenticate"); !errors.Is(err, ErrWrongStage) {
		t.Fatalf("expected ErrWrongStage when skipping ahead, got %v", err)
	}
	if _, err := controller.Enter(ctx, rec.FlowID, "verify_email"); err != nil {
		t.Fatalf("enter pending stage: %v", err)
	}

	next, done, err := controller.Advance(ctx, rec.FlowID, "verify_email")
	if err != nil || done {
		t.Fatalf("advance: done=%v err=%v", done, err)
	}
	if next.Stage != "mfa_authenticate" || len(next.Completed) != 1 {
		t.Fatalf("unexpected record after advance: %+v", next)
	}

	if _, _, err := controller.Advance(ctx, rec.FlowID, "verify_email"); !errors.Is(err, ErrWrongStage) {
		t.Fatalf("expected passed stage to be rejected, got %v", err)
	}

	final, done, err := controller.Advance(ctx, rec.FlowID, "mfa_authenticate")
	if err != nil || !done {
		t.Fatalf("final advance: done=%v err=%v", done, err)
	}
	if final.PrincipalID != "u-1" || final.Stage != StageFinalize || len(final.Completed) != 2 {
		t.Fatalf("unexpected final record %+v", final)
	}

	if _, err := controller.Enter(ctx, rec.FlowID, "mfa_authenticate"); !errors.Is(err, ErrWrongStage) {
		t.Fatalf("expected ErrWrongStage after the last stage, got %v", err)
	}
	taken, err := controller.Take(ctx, rec.FlowID, StageFinalize)
	if err != nil || taken.PrincipalID != "u-1" {
		t.Fatalf("take: %+v, %v", taken, err)
	}
	if _, err := controller.Enter(ctx, rec.FlowID, StageFinalize); !errors.Is(err, ErrNoPendingStage) {
		t.Fatalf("expected ErrNoPendingStage after take, got %v", err)
	}
}

func TestStageControllerTakeAndRestore(t *testing.T) {
	controller, _ := newTestController(t, StageDeps{})
	ctx := context.Background()

	rec, _, err := controller.Begin(ctx, "reset_password", []string{"a", "b"}, "u-1", "")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := controller.Take(ctx, rec.FlowID, "a"); !errors.Is(err, ErrWrongStage) {
		t.Fatalf("expected a stage with successors to be refused, got %v", err)
	}
	if _, _, err := controller.Advance(ctx, rec.FlowID, "a"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	taken, err := controller.Take(ctx, rec.FlowID, "b")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if _, err := controller.Take(ctx, rec.FlowID, "b"); !errors.Is(err, ErrNoPendingStage) {
		t.Fatalf("expected the second take to find nothing, got %v", err)
	}

	if err := controller.Restore(ctx, taken); err != nil {
		t.Fatalf("restore: %v", err)
	}
	again, err := controller.Enter(ctx, rec.FlowID, "b")
	if err != nil || again.PrincipalID != "u-1" {
		t.Fatalf("expected restored flow at b, got %+v, %v", again, err)
	}

	expired := *taken
	expired.ExpiresAt = time.Now().Add(-time.Second).Unix()
	if err := controller.Restore(ctx, &expired); !errors.Is(err, ErrNoPendingStage) {
		t.Fatalf("expected expired restore to fail, got %v", err)
	}
}

func TestStageControllerSkipsInapplicableStages(t *testing.T) {
	controller, pending := newTestController(t, StageDeps{
		Applicable: func(_ context.Context, stage string, _ *stores.PendingRecord) (bool, error) {
			return stage == "mfa_authenticate", nil
		},
	})
	ctx := context.Background()

	rec, done, err := controller.Begin(ctx, "login", []string{"verify_email", "mfa_authenticate"}, "u-1", "")
	if err != nil || done {
		t.Fatalf("begin: done=%v err=%v", done, err)
	}
	if rec.Stage != "mfa_authenticate" {
		t.Fatalf("expected verify_email to be skipped, got %q", rec.Stage)
	}

	rec, done, err = controller.Begin(ctx, "login", []string{"verify_email"}, "u-1", "")
	if err != nil || !done {
		t.Fatalf("expected immediate completion, done=%v err=%v", done, err)
	}
	if _, err := pending.Get(ctx, rec.FlowID); !errors.Is(err, stores.ErrPendingNotFound) {
		t.Fatalf("completed flow must not be persisted, got %v", err)
	}
}

func TestStageControllerPrepareRunsAfterCommit(t *testing.T) {
	var dispatched atomic.Int32
	controller, pending := newTestController(t, StageDeps{
		Prepare: func(_ context.Context, stage string, rec *stores.PendingRecord) (func(), error) {
			rec.CodeID = "code-" + stage
			return func() { dispatched.Add(1) }, nil
		},
	})
	ctx := context.Background()

	rec, _, err := controller.Begin(ctx, "login", []string{"a", "b"}, "u-1", "")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, _, err := controller.Advance(ctx, rec.FlowID, "a"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	stored, err := pending.Get(ctx, rec.FlowID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Stage != "b" || stored.CodeID != "code-b" {
		t.Fatalf("expected prepared stage b, got %+v", stored)
	}
	if dispatched.Load() != 2 {
		t.Fatalf("expected two dispatches, got %d", dispatched.Load())
	}
}

func TestStageControllerConcurrentAdvanceSingleWinner(t *testing.T) {
	controller, _ := newTestController(t, StageDeps{})
	ctx := context.Background()

	rec, _, err := controller.Begin(ctx, "login", []string{"a", "b"}, "u-1", "")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := controller.Advance(ctx, rec.FlowID, "a")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrWrongStage), errors.Is(err, stores.ErrPendingConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one advance to win, got %d", winners)
	}
}

func TestStageControllerAbort(t *testing.T) {
	controller, _ := newTestController(t, StageDeps{})
	ctx := context.Background()

	rec, _, err := controller.Begin(ctx, "login", []string{"a"}, "u-1", "")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := controller.Abort(ctx, rec.FlowID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if err := controller.Abort(ctx, rec.FlowID); !errors.Is(err, ErrNoPendingStage) {
		t.Fatalf("expected ErrNoPendingStage on second abort, got %v", err)
	}
	if _, err := controller.Current(ctx, rec.FlowID); !errors.Is(err, ErrNoPendingStage) {
		t.Fatalf("expected ErrNoPendingStage, got %v", err)
	}
}
