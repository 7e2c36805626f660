// Package authtest builds a Redis-backed engine on miniredis for adapter
// package tests.
package authtest

import (
	"context"
	"sync"
	"testing"

	"github.com/MrEthical07/authflow"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Users is an in-memory UserProvider. Users have no password; tokens are
// minted through Engine.IssueTokens.
type Users struct {
	mu    sync.Mutex
	users map[string]authflow.UserRecord
}

// Add registers userID with email.
func (u *Users) Add(userID, email string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.users == nil {
		u.users = map[string]authflow.UserRecord{}
	}
	u.users[userID] = authflow.UserRecord{UserID: userID, Email: email, EmailVerified: true}
}

func (u *Users) GetUserByIdentifier(_ context.Context, identifier string) (authflow.UserRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, rec := range u.users {
		if rec.Email == identifier {
			return rec, nil
		}
	}
	return authflow.UserRecord{}, authflow.ErrUserNotFound
}

func (u *Users) GetUserByID(_ context.Context, userID string) (authflow.UserRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec, ok := u.users[userID]
	if !ok {
		return authflow.UserRecord{}, authflow.ErrUserNotFound
	}
	return rec, nil
}

func (u *Users) UpdatePasswordHash(context.Context, string, string) error { return nil }

func (u *Users) MarkEmailVerified(context.Context, string) error { return nil }

func (u *Users) GetTOTPSecret(context.Context, string) (string, error) { return "", nil }

type discardSender struct{}

func (discardSender) SendCode(context.Context, authflow.CodeMessage) error { return nil }

// Config returns a valid HS256 configuration with cheap password hashing.
func Config() authflow.Config {
	cfg := authflow.DefaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Token.RefreshKey = []byte("fedcba9876543210fedcba9876543210")
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

// Env bundles the engine with its backing stores.
type Env struct {
	Engine *authflow.Engine
	Redis  *miniredis.Miniredis
	Users  *Users
}

// NewEngine starts miniredis and builds an engine with user "u1".
func NewEngine(t testing.TB) *Env {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	users := &Users{}
	users.Add("u1", "alice@example.com")

	engine, err := authflow.New().
		WithConfig(Config()).
		WithRedis(rdb).
		WithUserProvider(users).
		WithCodeSender(discardSender{}).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return &Env{Engine: engine, Redis: mr, Users: users}
}

// Issue mints a token pair for userID.
func (e *Env) Issue(t testing.TB, userID string) *authflow.TokenPair {
	t.Helper()

	pair, err := e.Engine.IssueTokens(context.Background(), userID)
	if err != nil {
		t.Fatalf("issue tokens: %v", err)
	}
	return pair
}
