package authflow

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/MrEthical07/authflow/password"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testPassword = "correct-password-123"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Token.RefreshKey = []byte("fedcba9876543210fedcba9876543210")
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

type mockUserProvider struct {
	mu           sync.Mutex
	users        map[string]UserRecord
	byIdentifier map[string]string
	totpSecrets  map[string]string
	failLookups  error
	failWrites   error
}

func newMockUserProvider() *mockUserProvider {
	return &mockUserProvider{
		users:        map[string]UserRecord{},
		byIdentifier: map[string]string{},
		totpSecrets:  map[string]string{},
	}
}

func (m *mockUserProvider) add(t *testing.T, user UserRecord, plain string) {
	t.Helper()

	if plain != "" {
		hasher, err := password.NewArgon2(password.Config{
			Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
		})
		if err != nil {
			t.Fatalf("argon2: %v", err)
		}
		user.PasswordHash, err = hasher.Hash(plain)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.UserID] = user
	m.byIdentifier[strings.ToLower(user.Email)] = user.UserID
}

func (m *mockUserProvider) remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
}

// fail makes lookups and writes return the given errors; nil restores them.
func (m *mockUserProvider) fail(lookups, writes error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLookups = lookups
	m.failWrites = writes
}

func (m *mockUserProvider) setAttribute(userID, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[userID]
	attrs := make(map[string]any, len(u.Attributes)+1)
	for k, v := range u.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	u.Attributes = attrs
	m.users[userID] = u
}

func (m *mockUserProvider) GetUserByIdentifier(_ context.Context, identifier string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLookups != nil {
		return UserRecord{}, m.failLookups
	}
	id, ok := m.byIdentifier[identifier]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	u, ok := m.users[id]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return u, nil
}

func (m *mockUserProvider) GetUserByID(_ context.Context, userID string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLookups != nil {
		return UserRecord{}, m.failLookups
	}
	u, ok := m.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return u, nil
}

func (m *mockUserProvider) UpdatePasswordHash(_ context.Context, userID, newHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return m.failWrites
	}
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = newHash
	m.users[userID] = u
	return nil
}

func (m *mockUserProvider) MarkEmailVerified(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return m.failWrites
	}
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.EmailVerified = true
	m.users[userID] = u
	return nil
}

func (m *mockUserProvider) GetTOTPSecret(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totpSecrets[userID], nil
}

func (m *mockUserProvider) user(userID string) UserRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID]
}

type recordingSender struct {
	mu       sync.Mutex
	messages []CodeMessage
	err      error
}

func (s *recordingSender) SendCode(_ context.Context, msg CodeMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// last returns the most recent code sent for flowID.
func (s *recordingSender) last(t *testing.T, flowID string) CodeMessage {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].FlowID == flowID {
			return s.messages[i]
		}
	}
	t.Fatalf("no code sent for flow %s", flowID)
	return CodeMessage{}
}

type testEngine struct {
	*Engine
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	users  *mockUserProvider
	sender *recordingSender
}

func newTestEngine(t *testing.T, cfg Config, opts ...func(*Builder)) *testEngine {
	t.Helper()

	mr, rdb := newTestRedis(t)
	users := newMockUserProvider()
	sender := &recordingSender{}

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(users).
		WithCodeSender(sender)
	for _, opt := range opts {
		opt(b)
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEngine{Engine: engine, mr: mr, rdb: rdb, users: users, sender: sender}
}

// addAlice registers a verified user without an authenticator.
func (te *testEngine) addAlice(t *testing.T) {
	t.Helper()
	te.users.add(t, UserRecord{UserID: "u1", Email: "alice@example.com", EmailVerified: true}, testPassword)
}

func (te *testEngine) loginAlice(t *testing.T) *TokenPair {
	t.Helper()

	res, err := te.BeginLogin(context.Background(), "alice@example.com", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Tokens == nil {
		t.Fatalf("expected tokens, got pending %+v", res.Pending)
	}
	return res.Tokens
}
