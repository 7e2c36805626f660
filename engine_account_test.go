package authflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSignupVerifiesEmailThenIssuesTokens(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.users.add(t, UserRecord{UserID: "u2", Email: "bob@example.com"}, testPassword)
	ctx := context.Background()

	res, err := te.BeginSignup(ctx, "u2")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if res.Pending == nil || res.Pending.Stage != StageVerifyEmail {
		t.Fatalf("expected pending verify_email, got %+v", res)
	}
	flowID := res.Pending.FlowID

	msg := te.sender.last(t, flowID)
	if msg.Email != "bob@example.com" || msg.Purpose != StageVerifyEmail {
		t.Fatalf("unexpected code message %+v", msg)
	}

	done, err := te.VerifyEmail(ctx, flowID, msg.Code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if done.Tokens == nil || done.UserID != "u2" {
		t.Fatalf("expected tokens for u2, got %+v", done)
	}
	if !te.users.user("u2").EmailVerified {
		t.Fatal("expected email marked verified")
	}
	if _, err := te.ValidateAccess(ctx, done.Tokens.AccessToken); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestSignupOfVerifiedAccountFinishesAtOnce(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)

	res, err := te.BeginSignup(context.Background(), "u1")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if res.Tokens == nil || res.Pending != nil {
		t.Fatalf("expected tokens without a pending stage, got %+v", res)
	}
	if te.sender.count() != 0 {
		t.Fatalf("expected no code sent, got %d", te.sender.count())
	}
}

func TestSignupUnknownUser(t *testing.T) {
	te := newTestEngine(t, testConfig())

	if _, err := te.BeginSignup(context.Background(), "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	current := te.loginAlice(t)
	other := te.loginAlice(t)

	if err := te.ChangePassword(ctx, current.AccessToken, testPassword, newTestPassword); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := te.Refresh(ctx, other.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected other session revoked, got %v", err)
	}
	if _, err := te.Refresh(ctx, current.RefreshToken); err != nil {
		t.Fatalf("expected calling session to survive, got %v", err)
	}

	if _, err := te.BeginLogin(ctx, "alice@example.com", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password rejected, got %v", err)
	}
	if res, err := te.BeginLogin(ctx, "alice@example.com", newTestPassword); err != nil || res.Tokens == nil {
		t.Fatalf("expected login with new password, got %+v, %v", res, err)
	}
}

func TestChangePasswordRejectsBadInput(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	pair := te.loginAlice(t)

	if err := te.ChangePassword(ctx, pair.AccessToken, "not-the-password", newTestPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := te.ChangePassword(ctx, pair.AccessToken, testPassword, "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	if err := te.ChangePassword(ctx, "garbage", testPassword, newTestPassword); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	if _, err := te.BeginLogin(ctx, "alice@example.com", testPassword); err != nil {
		t.Fatalf("expected password unchanged, got %v", err)
	}
}

func TestReauthenticateStampsAuthTime(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	pair := te.loginAlice(t)

	before, err := te.ValidateAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !before.AuthenticatedAt.IsZero() || before.AuthenticatedWithin(te.now(), time.Hour) {
		t.Fatalf("expected no auth time on a login token, got %v", before.AuthenticatedAt)
	}

	if _, err := te.Reauthenticate(ctx, pair.AccessToken, "not-the-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	re, err := te.Reauthenticate(ctx, pair.AccessToken, testPassword)
	if err != nil {
		t.Fatalf("reauthenticate: %v", err)
	}
	after, err := te.ValidateAccess(ctx, re.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if after.SessionID != pair.SessionID || after.UserID != "u1" {
		t.Fatalf("expected the same session, got %+v", after)
	}
	if !after.AuthenticatedAt.Equal(re.AuthenticatedAt) {
		t.Fatalf("expected auth time %v, got %v", re.AuthenticatedAt, after.AuthenticatedAt)
	}
	if !after.AuthenticatedWithin(te.now(), time.Minute) {
		t.Fatal("expected a fresh authentication")
	}
	if after.AuthenticatedWithin(te.now().Add(2*time.Minute), time.Minute) {
		t.Fatal("expected the authentication to age out")
	}
}
