package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrTOTPReplayBackend = errors.New("totp replay backend unavailable")

// TOTPReplayStore remembers which time-step counters were already accepted
// per user so an observed code cannot be replayed inside its window.
type TOTPReplayStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewTOTPReplayStore(redisClient redis.UniversalClient, prefix string) *TOTPReplayStore {
	if prefix == "" {
		prefix = "atp"
	}
	return &TOTPReplayStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *TOTPReplayStore) key(userID string, counter int64) string {
	return s.prefix + ":" + userID + ":" + strconv.FormatInt(counter, 10)
}

// Claim marks counter as used for userID. It reports false when the counter
// was claimed before. ttl should outlive the verifier's acceptance window.
//
//	Performance: 1 SET NX.
func (s *TOTPReplayStore) Claim(ctx context.Context, userID string, counter int64, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, s.key(userID, counter), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTOTPReplayBackend, err)
	}
	return ok, nil
}
