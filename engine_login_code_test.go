package authflow

import (
	"context"
	"errors"
	"testing"
)

func TestLoginByCode(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	pending, err := te.RequestLoginCode(ctx, "Alice@example.com")
	if err != nil {
		t.Fatalf("request code: %v", err)
	}
	if pending.Stage != StageLoginByCode {
		t.Fatalf("expected login_by_code stage, got %q", pending.Stage)
	}

	msg := te.sender.last(t, pending.FlowID)
	if msg.UserID != "u1" || msg.Purpose != StageLoginByCode {
		t.Fatalf("unexpected message %+v", msg)
	}

	res, err := te.ConfirmLoginCode(ctx, pending.FlowID, msg.Code)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Tokens == nil {
		t.Fatalf("expected tokens, got %+v", res)
	}
	if _, err := te.ValidateAccess(ctx, res.Tokens.AccessToken); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if _, err := te.ConfirmLoginCode(ctx, pending.FlowID, msg.Code); err == nil {
		t.Fatal("expected a used code to be rejected")
	}
}

func TestLoginByCodeContinuesWithTOTP(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	te.users.totpSecrets["u1"] = testTOTPSecret
	ctx := context.Background()

	pending, err := te.RequestLoginCode(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("request code: %v", err)
	}
	res, err := te.ConfirmLoginCode(ctx, pending.FlowID, te.sender.last(t, pending.FlowID).Code)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Pending == nil || res.Pending.Stage != StageMFAAuthenticate {
		t.Fatalf("expected mfa stage, got %+v", res)
	}

	done, err := te.AuthenticateTOTP(ctx, pending.FlowID, currentTOTP(t))
	if err != nil {
		t.Fatalf("totp: %v", err)
	}
	if done.Tokens == nil {
		t.Fatal("expected tokens")
	}
}

func TestLoginByCodeUnknownIdentity(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	pending, err := te.RequestLoginCode(ctx, "nobody@example.com")
	if err != nil {
		t.Fatalf("unknown identities must get a flow handle too, got %v", err)
	}
	if pending.FlowID == "" || pending.Stage != StageLoginByCode {
		t.Fatalf("unexpected pending flow %+v", pending)
	}
	if te.sender.count() != 0 {
		t.Fatalf("expected nothing sent, got %d", te.sender.count())
	}

	for _, code := range []string{"000000", "123456"} {
		if _, err := te.ConfirmLoginCode(ctx, pending.FlowID, code); !errors.Is(err, ErrMismatch) {
			t.Fatalf("expected ErrMismatch, got %v", err)
		}
	}
}

func TestLoginByCodeRateLimited(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	limit := testConfig().RateLimits.Policies[ActionRequestLoginCode].Limit
	for i := 0; i < limit; i++ {
		if _, err := te.RequestLoginCode(ctx, "alice@example.com"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if _, err := te.RequestLoginCode(ctx, "alice@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestLoginByCodeDispatchFailureKeepsCode(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	te := newTestEngine(t, cfg)
	te.addAlice(t)
	ctx := context.Background()

	te.sender.mu.Lock()
	te.sender.err = errors.New("smtp down")
	te.sender.mu.Unlock()

	pending, err := te.RequestLoginCode(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("delivery failure must not fail the request, got %v", err)
	}
	if _, err := te.PendingStage(ctx, pending.FlowID); err != nil {
		t.Fatalf("flow should survive, got %v", err)
	}
	if got := te.MetricsSnapshot().Counters[MetricCodeDispatchFailed]; got != 1 {
		t.Fatalf("expected one dispatch failure, got %d", got)
	}
}

func TestLoginByCodeRetriesAfterAccountStoreOutage(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	pending, err := te.RequestLoginCode(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("request code: %v", err)
	}
	code := te.sender.last(t, pending.FlowID).Code

	te.users.fail(errors.New("db down"), nil)
	if _, err := te.ConfirmLoginCode(ctx, pending.FlowID, code); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	parked, err := te.PendingStage(ctx, pending.FlowID)
	if err != nil || parked.Stage != StageFinalize {
		t.Fatalf("expected the flow parked at finalize, got %+v, %v", parked, err)
	}

	te.users.fail(nil, nil)
	res, err := te.ConfirmLoginCode(ctx, pending.FlowID, code)
	if err != nil || res.Tokens == nil {
		t.Fatalf("expected the retry to issue tokens, got %+v, %v", res, err)
	}
	if _, err := te.ValidateAccess(ctx, res.Tokens.AccessToken); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if _, err := te.ConfirmLoginCode(ctx, pending.FlowID, code); !errors.Is(err, ErrNoPendingStage) {
		t.Fatalf("expected the flow to be gone, got %v", err)
	}
	if _, err := te.ResumeFlow(ctx, pending.FlowID); !errors.Is(err, ErrNoPendingStage) {
		t.Fatalf("expected nothing to resume, got %v", err)
	}
}

func TestResumeFlowAfterOutage(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	pending, err := te.RequestLoginCode(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("request code: %v", err)
	}
	if _, err := te.ResumeFlow(ctx, pending.FlowID); !errors.Is(err, ErrWrongStage) {
		t.Fatalf("expected a flow awaiting its code to refuse resumption, got %v", err)
	}

	te.users.fail(errors.New("db down"), nil)
	if _, err := te.ConfirmLoginCode(ctx, pending.FlowID, te.sender.last(t, pending.FlowID).Code); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if _, err := te.ResumeFlow(ctx, pending.FlowID); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected the outage to persist, got %v", err)
	}

	te.users.fail(nil, nil)
	res, err := te.ResumeFlow(ctx, pending.FlowID)
	if err != nil || res.Tokens == nil || res.UserID != "u1" {
		t.Fatalf("expected tokens, got %+v, %v", res, err)
	}
}
