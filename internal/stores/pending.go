package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrPendingNotFound = errors.New("pending stage not found")
	ErrPendingConflict = errors.New("pending stage changed concurrently")
	ErrPendingBackend  = errors.New("pending stage backend unavailable")
)

// PendingRecord is the server-side state of one in-progress multi-stage flow.
type PendingRecord struct {
	FlowID      string            `json:"-"`
	Kind        string            `json:"kind"`
	Stage       string            `json:"stage"`
	Remaining   []string          `json:"remaining,omitempty"`
	Completed   []string          `json:"completed,omitempty"`
	PrincipalID string            `json:"principal_id,omitempty"`
	Email       string            `json:"email,omitempty"`
	CodeID      string            `json:"code_id,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	Resends     int               `json:"resends,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	ExpiresAt   int64             `json:"expires_at"`
	State       map[string]string `json:"state,omitempty"`
}

// PendingStore keeps at most one PendingRecord per flow ID.
type PendingStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewPendingStore(redisClient redis.UniversalClient, prefix string) *PendingStore {
	if prefix == "" {
		prefix = "aps"
	}
	return &PendingStore{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
	}
}

// WithClock makes expiry checks and key TTLs use now instead of the wall
// clock.
func (s *PendingStore) WithClock(now func() time.Time) *PendingStore {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *PendingStore) ttl(record *PendingRecord) time.Duration {
	return time.Unix(record.ExpiresAt, 0).Sub(s.now())
}

func (s *PendingStore) key(flowID string) string {
	return s.prefix + ":" + flowID
}

// Put stores record, replacing whatever the flow held before.
func (s *PendingStore) Put(ctx context.Context, record *PendingRecord) error {
	ttl := s.ttl(record)
	if ttl <= 0 {
		return ErrPendingNotFound
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(record.FlowID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPendingBackend, err)
	}
	return nil
}

// Get returns the live record of flowID.
func (s *PendingStore) Get(ctx context.Context, flowID string) (*PendingRecord, error) {
	data, err := s.redis.Get(ctx, s.key(flowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPendingBackend, err)
	}
	record, err := decodePending(flowID, data)
	if err != nil {
		return nil, err
	}
	if s.now().Unix() >= record.ExpiresAt {
		return nil, ErrPendingNotFound
	}
	return record, nil
}

// Delete removes the flow. It reports whether a record existed.
func (s *PendingStore) Delete(ctx context.Context, flowID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(flowID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPendingBackend, err)
	}
	return n > 0, nil
}

// Update applies fn to the current record under WATCH. fn returns the
// replacement record, or nil to delete the flow. An error from fn aborts
// without writing and is returned unchanged.
func (s *PendingStore) Update(
	ctx context.Context,
	flowID string,
	fn func(current *PendingRecord) (*PendingRecord, error),
) (*PendingRecord, error) {
	const maxRetries = 4
	key := s.key(flowID)

	for i := 0; i < maxRetries; i++ {
		var (
			result *PendingRecord
			fnErr  error
		)
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			current, err := decodePending(flowID, data)
			if err != nil {
				return err
			}
			if s.now().Unix() >= current.ExpiresAt {
				return ErrPendingNotFound
			}

			next, err := fn(current)
			if err != nil {
				fnErr = err
				return nil
			}

			if next == nil {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				result = current
				return err
			}

			next.FlowID = flowID
			ttl := s.ttl(next)
			if ttl <= 0 {
				return ErrPendingNotFound
			}
			encoded, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			result = next
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if fnErr != nil {
			return nil, fnErr
		}
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, ErrPendingNotFound) {
				return nil, ErrPendingNotFound
			}
			return nil, fmt.Errorf("%w: %v", ErrPendingBackend, err)
		}
		return result, nil
	}

	return nil, ErrPendingConflict
}

func decodePending(flowID string, data []byte) (*PendingRecord, error) {
	var record PendingRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: decode pending record: %v", ErrPendingBackend, err)
	}
	record.FlowID = flowID
	return &record, nil
}

// Ping checks the Redis instance flows and codes live in and returns its
// round-trip latency.
func (s *PendingStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrPendingBackend, err)
	}
	return time.Since(start), nil
}
