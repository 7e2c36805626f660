package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengeRecordVersionV1 = 1
	challengeHeaderSize      = 57
)

// Purpose scopes a challenge code to one verification process.
type Purpose uint8

const (
	PurposeLoginByCode   Purpose = 1
	PurposeVerifyEmail   Purpose = 2
	PurposeResetPassword Purpose = 3
)

func (p Purpose) String() string {
	switch p {
	case PurposeLoginByCode:
		return "login_by_code"
	case PurposeVerifyEmail:
		return "verify_email"
	case PurposeResetPassword:
		return "reset_password"
	default:
		return "unknown"
	}
}

var (
	ErrChallengeNotFound   = errors.New("challenge not found")
	ErrChallengeConsumed   = errors.New("challenge already consumed")
	ErrChallengeExpired    = errors.New("challenge expired")
	ErrChallengeExhausted  = errors.New("challenge attempts exhausted")
	ErrChallengeMismatch   = errors.New("challenge secret mismatch")
	ErrChallengeBackend    = errors.New("challenge backend unavailable")
	ErrChallengeBadRequest = errors.New("invalid challenge parameters")
)

const (
	challengeStatusNotFound  int64 = 0
	challengeStatusConsumed  int64 = 1
	challengeStatusExpired   int64 = 2
	challengeStatusExhausted int64 = 3
	challengeStatusMismatch  int64 = 4
	challengeStatusOK        int64 = 5
)

// Record layout, 1-indexed as seen by the scripts:
//
//	1 version | 2 purpose | 3 consumed | 4-5 attempts | 6-7 max attempts |
//	8-15 createdAt | 16-23 expiresAt | 24-55 secret hash | 56-57 subject len | subject
const challengeScriptHeader = `
local function read_be64(s, i)
  local b1, b2, b3, b4, b5, b6, b7, b8 = string.byte(s, i, i + 7)
  if not b8 then
    return nil
  end
  return ((((((((b1 * 256) + b2) * 256 + b3) * 256 + b4) * 256 + b5) * 256 + b6) * 256 + b7) * 256 + b8)
end

local function check(data, now_unix)
  if #data < 57 or string.byte(data, 1) ~= 1 then
    return 0
  end
  if string.byte(data, 3) == 1 then
    return 1
  end
  if now_unix >= read_be64(data, 16) then
    return 2
  end
  local attempts = string.byte(data, 4) * 256 + string.byte(data, 5)
  local max_attempts = string.byte(data, 6) * 256 + string.byte(data, 7)
  if attempts >= max_attempts then
    return 3
  end
  return -1
end

local function bump_attempts(key, data)
  local attempts = string.byte(data, 4) * 256 + string.byte(data, 5) + 1
  local updated = string.sub(data, 1, 3) .. string.char(math.floor(attempts / 256), attempts % 256) .. string.sub(data, 6)
  local ttl = redis.call("PTTL", key)
  if ttl > 0 then
    redis.call("SET", key, updated, "PX", ttl)
  end
  return updated
end
`

// issueChallengeLua replaces the outstanding code for (purpose, subject).
// KEYS[1] = record key, KEYS[2] = index key
// ARGV[1] = record, ARGV[2] = record ttl ms, ARGV[3] = code id, ARGV[4] = record key prefix
var issueChallengeLua = redis.NewScript(`
local previous = redis.call("GET", KEYS[2])
if previous and previous ~= ARGV[3] then
  redis.call("DEL", ARGV[4] .. previous)
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SET", KEYS[2], ARGV[3], "PX", ARGV[2])
return 1
`)

// verifyChallengeLua checks state in order consumed, expired, exhausted,
// then compares the secret hash. A mismatch bumps attempts; a match marks
// the record consumed and keeps it as a tombstone until its key expires.
// KEYS[1] = record key
// ARGV[1] = presented hash (32 bytes), ARGV[2] = now unix
var verifyChallengeLua = redis.NewScript(challengeScriptHeader + `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end
local status = check(data, tonumber(ARGV[2]))
if status >= 0 then
  return {status}
end
if string.sub(data, 24, 55) ~= ARGV[1] then
  return {4, bump_attempts(KEYS[1], data)}
end
local consumed = string.sub(data, 1, 2) .. string.char(1) .. string.sub(data, 4)
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
  redis.call("SET", KEYS[1], consumed, "PX", ttl)
end
return {5, consumed}
`)

// recordInvalidAttemptLua bumps attempts without a comparison.
// KEYS[1] = record key, ARGV[1] = now unix
var recordInvalidAttemptLua = redis.NewScript(challengeScriptHeader + `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end
local status = check(data, tonumber(ARGV[1]))
if status >= 0 then
  return {status}
end
return {4, bump_attempts(KEYS[1], data)}
`)

// ChallengeRecord is a stored challenge code. The plaintext secret is never stored.
type ChallengeRecord struct {
	ID          string
	Purpose     Purpose
	Subject     string
	SecretHash  [32]byte
	CreatedAt   int64
	ExpiresAt   int64
	Attempts    uint16
	MaxAttempts uint16
	Consumed    bool
}

// Exhausted reports whether no verification attempts remain.
func (r *ChallengeRecord) Exhausted() bool {
	return r.Attempts >= r.MaxAttempts
}

// ChallengeStore keeps challenge codes in Redis. Every state change is a
// single Lua script, so attempts and consumption are linearizable per code.
type ChallengeStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewChallengeStore returns a store that keeps records for retention past
// their expiry so late verifications can still be told apart.
func NewChallengeStore(redisClient redis.UniversalClient, prefix string, retention time.Duration) *ChallengeStore {
	if prefix == "" {
		prefix = "acc"
	}
	if retention < 0 {
		retention = 0
	}
	return &ChallengeStore{
		redis:     redisClient,
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
	}
}

// WithClock makes expiry checks use now instead of the wall clock.
func (s *ChallengeStore) WithClock(now func() time.Time) *ChallengeStore {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *ChallengeStore) recordPrefix() string {
	return s.prefix + ":c:"
}

func (s *ChallengeStore) key(codeID string) string {
	return s.recordPrefix() + codeID
}

func (s *ChallengeStore) indexKey(purpose Purpose, subjectKey string) string {
	return fmt.Sprintf("%s:i:%d:%s", s.prefix, purpose, subjectKey)
}

// Issue stores record and makes it the only live code for its purpose and
// subjectKey. subjectKey is the caller's stable, non-PII form of the subject.
func (s *ChallengeStore) Issue(ctx context.Context, record *ChallengeRecord, subjectKey string) error {
	if record.ID == "" || record.MaxAttempts == 0 || record.ExpiresAt <= record.CreatedAt {
		return ErrChallengeBadRequest
	}

	encoded, err := encodeChallengeRecord(record)
	if err != nil {
		return err
	}

	ttl := time.Unix(record.ExpiresAt, 0).Sub(s.now()) + s.retention
	if ttl <= 0 {
		return ErrChallengeBadRequest
	}

	err = issueChallengeLua.Run(ctx, s.redis,
		[]string{s.key(record.ID), s.indexKey(record.Purpose, subjectKey)},
		encoded,
		ttl.Milliseconds(),
		record.ID,
		s.recordPrefix(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// Verify checks presentedHash against the code. On mismatch the returned
// record carries the incremented attempt count alongside ErrChallengeMismatch.
func (s *ChallengeStore) Verify(ctx context.Context, codeID string, presentedHash [32]byte) (*ChallengeRecord, error) {
	result, err := verifyChallengeLua.Run(ctx, s.redis,
		[]string{s.key(codeID)},
		presentedHash[:],
		s.now().Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	status, record, err := parseChallengeResult(codeID, result)
	if err != nil {
		return nil, err
	}

	switch status {
	case challengeStatusOK:
		if record == nil || subtle.ConstantTimeCompare(record.SecretHash[:], presentedHash[:]) != 1 {
			return nil, ErrChallengeMismatch
		}
		return record, nil
	case challengeStatusMismatch:
		return record, ErrChallengeMismatch
	default:
		return record, statusError(status)
	}
}

// RecordInvalidAttempt counts one failed attempt that never reached a
// comparison. It reports whether the code is now exhausted.
func (s *ChallengeStore) RecordInvalidAttempt(ctx context.Context, codeID string) (bool, error) {
	result, err := recordInvalidAttemptLua.Run(ctx, s.redis,
		[]string{s.key(codeID)},
		s.now().Unix(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	status, record, err := parseChallengeResult(codeID, result)
	if err != nil {
		return false, err
	}
	switch status {
	case challengeStatusMismatch:
		return record != nil && record.Exhausted(), nil
	case challengeStatusExhausted:
		return true, nil
	default:
		return false, statusError(status)
	}
}

// Peek returns the current record without changing it.
func (s *ChallengeStore) Peek(ctx context.Context, codeID string) (*ChallengeRecord, error) {
	data, err := s.redis.Get(ctx, s.key(codeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	record, err := decodeChallengeRecord(data)
	if err != nil {
		return nil, ErrChallengeNotFound
	}
	record.ID = codeID
	return record, nil
}

// Delete removes a code. Missing codes are not an error.
func (s *ChallengeStore) Delete(ctx context.Context, codeID string) error {
	if err := s.redis.Del(ctx, s.key(codeID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

func parseChallengeResult(codeID string, result interface{}) (int64, *ChallengeRecord, error) {
	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return 0, nil, fmt.Errorf("%w: invalid challenge script response", ErrChallengeBackend)
	}
	status, ok := parts[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("%w: invalid challenge script status", ErrChallengeBackend)
	}
	if len(parts) < 2 {
		return status, nil, nil
	}

	var blob []byte
	switch v := parts[1].(type) {
	case string:
		blob = []byte(v)
	case []byte:
		blob = v
	default:
		return 0, nil, fmt.Errorf("%w: invalid challenge payload", ErrChallengeBackend)
	}

	record, err := decodeChallengeRecord(blob)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	record.ID = codeID
	return status, record, nil
}

func statusError(status int64) error {
	switch status {
	case challengeStatusNotFound:
		return ErrChallengeNotFound
	case challengeStatusConsumed:
		return ErrChallengeConsumed
	case challengeStatusExpired:
		return ErrChallengeExpired
	case challengeStatusExhausted:
		return ErrChallengeExhausted
	case challengeStatusMismatch:
		return ErrChallengeMismatch
	default:
		return fmt.Errorf("%w: unknown challenge status %d", ErrChallengeBackend, status)
	}
}

func encodeChallengeRecord(record *ChallengeRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(challengeHeaderSize + len(record.Subject))

	buf.WriteByte(challengeRecordVersionV1)
	buf.WriteByte(byte(record.Purpose))
	if record.Consumed {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.MaxAttempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(record.SecretHash[:])

	if len(record.Subject) > 65535 {
		return nil, errors.New("challenge subject too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.Subject))); err != nil {
		return nil, err
	}
	buf.WriteString(record.Subject)

	return buf.Bytes(), nil
}

func decodeChallengeRecord(data []byte) (*ChallengeRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersionV1 {
		return nil, errors.New("invalid challenge record version")
	}

	record := &ChallengeRecord{}

	purpose, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record.Purpose = Purpose(purpose)

	consumed, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record.Consumed = consumed == 1

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.MaxAttempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}

	var subjectLen uint16
	if err := binary.Read(reader, binary.BigEndian, &subjectLen); err != nil {
		return nil, err
	}
	subject := make([]byte, subjectLen)
	if _, err := io.ReadFull(reader, subject); err != nil {
		return nil, err
	}
	record.Subject = string(subject)

	return record, nil
}
