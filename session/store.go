package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rotateStatusNotFound    int64 = 0
	rotateStatusExpired     int64 = 1
	rotateStatusMismatch    int64 = 2
	rotateStatusOK          int64 = 3
	rotateStatusInvalidBlob int64 = 4
)

const deleteSessionScript = `
local existed = redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// rotateSessionScript checks the presented generation against the stored
// header and, when asked to, advances it in place. A stale generation deletes
// the session so every token minted from it dies with it.
const rotateSessionScript = `
local function read_be64(s, i)
  local b1, b2, b3, b4, b5, b6, b7, b8 = string.byte(s, i, i + 7)
  if not b8 then
    return nil
  end
  return ((((((((b1 * 256) + b2) * 256 + b3) * 256 + b4) * 256 + b5) * 256 + b6) * 256 + b7) * 256 + b8)
end

local function write_be64(n)
  local out = {}
  for i = 8, 1, -1 do
    out[i] = string.char(n % 256)
    n = math.floor(n / 256)
  end
  return table.concat(out)
end

local session_key = KEYS[1]
local session_id = ARGV[1]
local user_prefix = ARGV[2]
local expected_gen = ARGV[3]
local next_gen = ARGV[4]
local now_unix = tonumber(ARGV[5])
local refresh_ttl = tonumber(ARGV[6])
local absolute_ttl = tonumber(ARGV[7])

local data = redis.call("GET", session_key)
if not data then
  return {0}
end

if #data < 26 or string.byte(data, 1) ~= 1 then
  return {4}
end
local user_len = string.byte(data, 26)
if #data < 26 + user_len + 4 then
  return {4}
end
local user_id = string.sub(data, 27, 26 + user_len)
local user_key = user_prefix .. user_id
local created_at = read_be64(data, 10)
local expires_at = read_be64(data, 18)

if expires_at <= now_unix then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return {1}
end

if string.sub(data, 2, 9) ~= expected_gen then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return {2}
end

if next_gen == "" then
  return {3, data}
end

local next_exp = now_unix + refresh_ttl
if absolute_ttl > 0 and created_at + absolute_ttl < next_exp then
  next_exp = created_at + absolute_ttl
end
if next_exp <= now_unix then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return {1}
end

local updated = string.sub(data, 1, 1) .. next_gen .. string.sub(data, 10, 17) .. write_be64(next_exp) .. string.sub(data, 26)

redis.call("SET", session_key, updated, "EX", next_exp - now_unix)
redis.call("SADD", user_key, session_id)

return {3, updated}
`

var rotateSessionLua = redis.NewScript(rotateSessionScript)

// Store is a Redis-backed session store that handles persistence, expiration
// and atomic refresh-generation rotation.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace.
func NewStore(redis redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "as"
	}
	return &Store{
		redis:  redis,
		prefix: prefix,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":u:" + userID
}

// Save persists a [Session] until its ExpiresAt.
//
//	Performance: 1 MULTI (SET + SADD).
func (s *Store) Save(ctx context.Context, sess *Session) error {
	ttl := time.Until(time.Unix(sess.ExpiresAt, 0))
	if ttl <= 0 {
		return ErrExpired
	}

	data, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

// Get retrieves a live session by ID.
//
//	Performance: 1 Redis GET.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, errors.Join(ErrCorrupt, err)
	}
	sess.SessionID = sessionID

	if sess.Expired(time.Now()) {
		if err := s.deleteSessionAndIndex(ctx, sess.UserID, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	return sess, nil
}

// Delete removes a session and its user index entry. Deleting a missing
// session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		if delErr := s.redis.Del(ctx, s.key(sessionID)).Err(); delErr != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, delErr)
		}
		return nil
	}

	return s.deleteSessionAndIndex(ctx, sess.UserID, sessionID)
}

// DeleteAllForUser removes every session of a user.
//
// The member read and the delete are two round trips; a session saved in
// between survives this call and is caught by the next one or by expiry.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)

	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	keys := make([]string, 0, len(sessionIDs)+1)
	for _, sessionID := range sessionIDs {
		keys = append(keys, s.key(sessionID))
	}
	keys = append(keys, userKey)

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ActiveSessionIDs returns tracked session IDs for a user. The index may
// briefly include sessions that already expired.
func (s *Store) ActiveSessionIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ids, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}

// Rotate atomically checks the presented generation and, when req.Advance is
// set, moves the session to the next generation. A stale generation deletes
// the session and returns [ErrGenerationMismatch].
//
//	Performance: 1 Lua EVALSHA.
func (s *Store) Rotate(ctx context.Context, sessionID string, req RotateRequest) (*Session, error) {
	if req.Now.IsZero() {
		req.Now = time.Now()
	}

	expected := make([]byte, 8)
	binary.BigEndian.PutUint64(expected, req.Expected)

	next := []byte{}
	if req.Advance {
		next = make([]byte, 8)
		binary.BigEndian.PutUint64(next, req.Expected+1)
	}

	result, err := rotateSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		sessionID,
		s.userKey(""),
		expected,
		next,
		req.Now.Unix(),
		int64(req.RefreshTTL/time.Second),
		int64(req.AbsoluteTTL/time.Second),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrUnavailable)
	}

	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, ErrNotFound
	case rotateStatusExpired:
		return nil, ErrExpired
	case rotateStatusMismatch:
		return nil, ErrGenerationMismatch
	case rotateStatusOK:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing session payload", ErrUnavailable)
		}

		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid session payload", ErrUnavailable)
		}

		sess, decErr := Decode(blob)
		if decErr != nil {
			return nil, errors.Join(ErrCorrupt, decErr)
		}
		sess.SessionID = sessionID
		return sess, nil
	case rotateStatusInvalidBlob:
		return nil, ErrCorrupt
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrUnavailable)
	}
}

func (s *Store) deleteSessionAndIndex(ctx context.Context, userID, sessionID string) error {
	_, err := deleteSessionLua.Run(ctx, s.redis, []string{s.key(sessionID), s.userKey(userID)}, sessionID).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
