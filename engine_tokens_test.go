package authflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// advanceClock moves the engine clock forward by d.
func (te *testEngine) advanceClock(d time.Duration) {
	base := te.now()
	te.Engine.now = func() time.Time { return base.Add(d) }
}

func TestValidateStatefulRejectsRevokedSession(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	pair := te.loginAlice(t)

	res, err := te.ValidateAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.UserID != "u1" || res.SessionID != pair.SessionID {
		t.Fatalf("unexpected auth result %+v", res)
	}

	if err := te.Revoke(ctx, pair.SessionID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := te.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
	if _, err := te.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected refresh of revoked session to fail, got %v", err)
	}
}

func TestValidateStatelessNeedsNoStore(t *testing.T) {
	cfg := testConfig()
	cfg.Token.ValidationMode = ModeStateless
	te := newTestEngine(t, cfg)
	te.addAlice(t)
	ctx := context.Background()

	pair := te.loginAlice(t)
	if err := te.Revoke(ctx, pair.SessionID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// Take Redis away to prove validation makes no lookup.
	te.mr.Close()

	if _, err := te.ValidateAccess(ctx, pair.AccessToken); err != nil {
		t.Fatalf("stateless validation should not consult the store, got %v", err)
	}
}

func TestValidateStatefulBackendDownIsNotRevocation(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	pair := te.loginAlice(t)
	te.mr.Close()

	_, err := te.ValidateAccess(ctx, pair.AccessToken)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if errors.Is(err, ErrSessionRevoked) {
		t.Fatal("backend failure must not read as revocation")
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)

	pair := te.loginAlice(t)
	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"

	if _, err := te.ValidateAccess(context.Background(), tampered); !errors.Is(err, ErrSignatureInvalid) && !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected signature or malformed error, got %v", err)
	}
	if _, err := te.ValidateAccess(context.Background(), "not-a-token"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestAuthenticateEmptyBearerIsAnonymous(t *testing.T) {
	te := newTestEngine(t, testConfig())

	res, err := te.Authenticate(context.Background(), "  ")
	if err != nil || res != nil {
		t.Fatalf("expected (nil, nil), got (%+v, %v)", res, err)
	}
}

func TestRefreshRotationAdvancesGeneration(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	first := te.loginAlice(t)
	if first.Generation != 0 {
		t.Fatalf("expected generation 0 at login, got %d", first.Generation)
	}

	second, err := te.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", second.Generation)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotating refresh must return a new refresh token")
	}

	third, err := te.Refresh(ctx, second.RefreshToken)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if third.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", third.Generation)
	}
}

func TestRefreshReplayRevokesWholeSession(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	first := te.loginAlice(t)
	second, err := te.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := te.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrGenerationMismatch) {
		t.Fatalf("expected ErrGenerationMismatch on replay, got %v", err)
	}

	// The legitimate holder is logged out too.
	if _, err := te.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected current token to die with the session, got %v", err)
	}
	if _, err := te.ValidateAccess(ctx, second.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected access token of revoked session to fail, got %v", err)
	}
}

func TestRefreshWithoutRotationReusesToken(t *testing.T) {
	cfg := testConfig()
	cfg.Token.RotateRefreshTokens = false
	te := newTestEngine(t, cfg)
	te.addAlice(t)
	ctx := context.Background()

	first := te.loginAlice(t)
	for i := 0; i < 3; i++ {
		next, err := te.Refresh(ctx, first.RefreshToken)
		if err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
		if next.RefreshToken != first.RefreshToken {
			t.Fatalf("refresh %d: expected the same refresh token", i)
		}
		if next.Generation != 0 {
			t.Fatalf("refresh %d: expected generation 0, got %d", i, next.Generation)
		}
	}
}

func TestRefreshClaimsPreservedWithoutRotation(t *testing.T) {
	cfg := testConfig()
	cfg.Token.RotateRefreshTokens = false
	te := newTestEngine(t, cfg, func(b *Builder) {
		b.WithClaims(func(p Principal) map[string]any {
			return map[string]any{"role": p.Attributes["role"], "sub": "spoofed"}
		})
	})
	te.addAlice(t)
	te.users.setAttribute("u1", "role", "member")
	ctx := context.Background()

	first := te.loginAlice(t)
	te.users.setAttribute("u1", "role", "admin")

	next, err := te.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	res, err := te.ValidateAccess(ctx, next.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Claims["role"] != "member" {
		t.Fatalf("expected claims from login to be kept, got %v", res.Claims["role"])
	}
	if res.UserID != "u1" {
		t.Fatalf("reserved claim must not be overridden, got subject %q", res.UserID)
	}
}

func TestRefreshClaimsRegeneratedOnRotation(t *testing.T) {
	te := newTestEngine(t, testConfig(), func(b *Builder) {
		b.WithClaims(func(p Principal) map[string]any {
			return map[string]any{"role": p.Attributes["role"]}
		})
	})
	te.addAlice(t)
	te.users.setAttribute("u1", "role", "member")
	ctx := context.Background()

	first := te.loginAlice(t)
	te.users.setAttribute("u1", "role", "admin")

	next, err := te.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	res, err := te.ValidateAccess(ctx, next.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Claims["role"] != "admin" {
		t.Fatalf("expected regenerated claims, got %v", res.Claims["role"])
	}
}

func TestRefreshProviderOutageKeepsTokenUsable(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	first := te.loginAlice(t)

	te.users.mu.Lock()
	te.users.failLookups = errors.New("db down")
	te.users.mu.Unlock()

	if _, err := te.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}

	te.users.mu.Lock()
	te.users.failLookups = nil
	te.users.mu.Unlock()

	if _, err := te.Refresh(ctx, first.RefreshToken); err != nil {
		t.Fatalf("token should survive a provider outage, got %v", err)
	}
}

func TestRefreshDeletedUserRevokesSession(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	first := te.loginAlice(t)
	te.users.remove("u1")

	if _, err := te.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
	if _, err := te.ValidateAccess(ctx, first.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected session to be gone, got %v", err)
	}
}

func TestRefreshRejectsForeignAndGarbageTokens(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	if _, err := te.Refresh(ctx, "!!!"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	other := testConfig()
	other.Token.RefreshKey = []byte("another-refresh-key-0123456789abc")
	foreign := newTestEngine(t, other)
	foreign.addAlice(t)
	pair := foreign.loginAlice(t)

	if _, err := te.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	pair := te.loginAlice(t)

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := te.Refresh(ctx, pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrGenerationMismatch) && !errors.Is(err, ErrSessionRevoked) {
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if success > 1 {
		t.Fatalf("expected at most one refresh to win, got %d", success)
	}
}

func TestLogoutVariants(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	byAccess := te.loginAlice(t)
	if err := te.Logout(ctx, byAccess.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := te.ValidateAccess(ctx, byAccess.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected revoked after logout, got %v", err)
	}

	byRefresh := te.loginAlice(t)
	if err := te.LogoutByRefreshToken(ctx, byRefresh.RefreshToken); err != nil {
		t.Fatalf("logout by refresh: %v", err)
	}
	if _, err := te.Refresh(ctx, byRefresh.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected revoked after logout, got %v", err)
	}

	a := te.loginAlice(t)
	b := te.loginAlice(t)
	if err := te.LogoutAll(ctx, "u1"); err != nil {
		t.Fatalf("logout all: %v", err)
	}
	for _, p := range []*TokenPair{a, b} {
		if _, err := te.ValidateAccess(ctx, p.AccessToken); !errors.Is(err, ErrSessionRevoked) {
			t.Fatalf("expected every session revoked, got %v", err)
		}
	}

	if err := te.Logout(ctx, "garbage"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestIssueTokensMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	te := newTestEngine(t, cfg)
	te.addAlice(t)

	if _, err := te.IssueTokens(context.Background(), "u1"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := te.IssueTokens(context.Background(), "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	snap := te.MetricsSnapshot()
	if snap.Counters[MetricSessionCreated] != 1 {
		t.Fatalf("expected one session created, got %d", snap.Counters[MetricSessionCreated])
	}
}

func TestValidateExpiredAccessToken(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	pair := te.loginAlice(t)
	te.advanceClock(testConfig().Token.AccessTTL + time.Minute)

	if _, err := te.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if _, err := te.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired from Authenticate, got %v", err)
	}

	// An expired access token is still renewable while its session lives.
	next, err := te.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := te.ValidateAccess(ctx, next.AccessToken); err != nil {
		t.Fatalf("validate refreshed token: %v", err)
	}
}

func TestValidateStatelessRevokedTokenExpires(t *testing.T) {
	cfg := testConfig()
	cfg.Token.ValidationMode = ModeStateless
	te := newTestEngine(t, cfg)
	te.addAlice(t)
	ctx := context.Background()

	pair := te.loginAlice(t)
	if err := te.Revoke(ctx, pair.SessionID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := te.ValidateAccess(ctx, pair.AccessToken); err != nil {
		t.Fatalf("expected token valid until expiry, got %v", err)
	}

	te.advanceClock(cfg.Token.AccessTTL + cfg.Token.Leeway + time.Second)
	if _, err := te.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRefreshExpiredSession(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.addAlice(t)
	ctx := context.Background()

	pair := te.loginAlice(t)
	te.advanceClock(testConfig().Token.RefreshTTL + time.Hour)

	if _, err := te.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if _, err := te.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected the expired session to be gone, got %v", err)
	}
}
