package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSessionStoreTest(t *testing.T) (*Store, *redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(rdb, "as")
	return store, rdb, func() {
		rdb.Close()
		mr.Close()
	}
}

func testSession() *Session {
	now := time.Now()
	return &Session{
		SessionID:  "sid-1",
		UserID:     "u-1",
		Generation: 1,
		Claims:     map[string]any{"email": "a@example.com"},
		CreatedAt:  now.Unix(),
		ExpiresAt:  now.Add(time.Hour).Unix(),
	}
}

func rotateReq(expected uint64, advance bool) RotateRequest {
	return RotateRequest{
		Expected:   expected,
		Advance:    advance,
		RefreshTTL: time.Hour,
		Now:        time.Now(),
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()

	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u-1" || got.Generation != 1 || got.Claims["email"] != "a@example.com" {
		t.Fatalf("unexpected session %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateAdvancesGenerationAndKeepsClaims(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	rotated, err := store.Rotate(ctx, sess.SessionID, rotateReq(1, true))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", rotated.Generation)
	}
	if rotated.Claims["email"] != "a@example.com" {
		t.Fatalf("expected claims to survive rotation, got %v", rotated.Claims)
	}
	if rotated.CreatedAt != sess.CreatedAt {
		t.Fatal("rotation must not move CreatedAt")
	}

	stored, err := store.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Generation != 2 {
		t.Fatalf("expected stored generation 2, got %d", stored.Generation)
	}
}

func TestRotateWithoutAdvanceIsReadOnly(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := store.Rotate(ctx, sess.SessionID, rotateReq(1, false))
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if got.Generation != 1 {
			t.Fatalf("expected generation to stay 1, got %d", got.Generation)
		}
	}
}

func TestRotateStaleGenerationRevokesSession(t *testing.T) {
	store, rdb, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Rotate(ctx, sess.SessionID, rotateReq(1, true)); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if _, err := store.Rotate(ctx, sess.SessionID, rotateReq(1, true)); !errors.Is(err, ErrGenerationMismatch) {
		t.Fatalf("expected ErrGenerationMismatch, got %v", err)
	}
	if _, err := store.Get(ctx, sess.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected session to be revoked, got %v", err)
	}
	members, err := rdb.SMembers(ctx, store.userKey(sess.UserID)).Result()
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected empty user index, got %v", members)
	}

	// the current generation is dead too
	if _, err := store.Rotate(ctx, sess.SessionID, rotateReq(2, true)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revocation, got %v", err)
	}
}

func TestRotateSentinelErrors(t *testing.T) {
	store, rdb, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	if _, err := store.Rotate(ctx, "missing", rotateReq(1, true)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found sentinel, got %v", err)
	}

	expired := testSession()
	expired.SessionID = "sid-expired"
	expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	blob, err := Encode(expired)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := rdb.Set(ctx, store.key(expired.SessionID), blob, time.Hour).Err(); err != nil {
		t.Fatalf("seed expired session: %v", err)
	}
	if _, err := store.Rotate(ctx, expired.SessionID, rotateReq(1, true)); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired sentinel, got %v", err)
	}

	if err := rdb.Set(ctx, store.key("sid-corrupt"), []byte("bad"), time.Hour).Err(); err != nil {
		t.Fatalf("seed corrupt blob: %v", err)
	}
	if _, err := store.Rotate(ctx, "sid-corrupt", rotateReq(1, true)); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected corrupt sentinel, got %v", err)
	}
}

func TestRotateRespectsAbsoluteLifetime(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()
	sess.CreatedAt = time.Now().Add(-50 * time.Minute).Unix()
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	req := rotateReq(1, true)
	req.AbsoluteTTL = time.Hour
	rotated, err := store.Rotate(ctx, sess.SessionID, req)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.ExpiresAt != sess.CreatedAt+3600 {
		t.Fatalf("expected expiry capped at %d, got %d", sess.CreatedAt+3600, rotated.ExpiresAt)
	}
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		mismatch int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Rotate(ctx, sess.SessionID, rotateReq(1, true))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrGenerationMismatch), errors.Is(err, ErrNotFound):
				mismatch++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if mismatch != workers-1 {
		t.Fatalf("expected %d losers, got %d", workers-1, mismatch)
	}
}

func TestDeleteIdempotentAndIndex(t *testing.T) {
	store, rdb, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()

	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, sess.SessionID); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := store.Delete(ctx, sess.SessionID); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	members, err := rdb.SMembers(ctx, store.userKey(sess.UserID)).Result()
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected no user index members, got %v", members)
	}
}

func TestDeleteAllForUser(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	for _, sid := range []string{"a", "b", "c"} {
		sess := testSession()
		sess.SessionID = sid
		if err := store.Save(ctx, sess); err != nil {
			t.Fatalf("save %s: %v", sid, err)
		}
	}
	other := testSession()
	other.SessionID = "d"
	other.UserID = "u-2"
	if err := store.Save(ctx, other); err != nil {
		t.Fatalf("save other: %v", err)
	}

	if err := store.DeleteAllForUser(ctx, "u-1"); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	for _, sid := range []string{"a", "b", "c"} {
		if _, err := store.Get(ctx, sid); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected %s deleted, got %v", sid, err)
		}
	}
	if _, err := store.Get(ctx, "d"); err != nil {
		t.Fatalf("expected other user's session to survive: %v", err)
	}
}

func TestDecodeRejectsUnsupportedSchemaVersion(t *testing.T) {
	if _, err := Decode([]byte{99}); err == nil {
		t.Fatal("expected unsupported schema version error")
	}
}

func FuzzSessionDecode(f *testing.F) {
	encoded, err := Encode(testSession())
	if err == nil {
		f.Add(encoded)
		f.Add(encoded[:10])
		f.Add(encoded[:30])
	}
	f.Add([]byte{})
	f.Add([]byte{1})
	f.Add([]byte{255, 255, 255})

	f.Fuzz(func(t *testing.T, data []byte) {
		s, err := Decode(data)
		if err != nil {
			return
		}
		if _, err := Encode(s); err != nil && len(s.UserID) > 0 {
			t.Logf("re-encode: %v", err)
		}
	})
}

func TestActiveSessionIDsAndPing(t *testing.T) {
	store, rdb, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	ids, err := store.ActiveSessionIDs(ctx, "u-1")
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no sessions, got %v, %v", ids, err)
	}
	for _, sid := range []string{"a", "b"} {
		sess := testSession()
		sess.SessionID = sid
		if err := store.Save(ctx, sess); err != nil {
			t.Fatalf("save %s: %v", sid, err)
		}
	}
	ids, err = store.ActiveSessionIDs(ctx, "u-1")
	if err != nil || len(ids) != 2 {
		t.Fatalf("expected two sessions, got %v, %v", ids, err)
	}

	if _, err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	rdb.Close()
	if _, err := store.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
