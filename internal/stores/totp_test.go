package stores

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTOTPReplayStoreClaimOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewTOTPReplayStore(rdb, "atp")
	ctx := context.Background()

	ok, err := store.Claim(ctx, "u-1", 1000, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = store.Claim(ctx, "u-1", 1000, time.Minute)
	if err != nil || ok {
		t.Fatalf("replayed claim must be rejected: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.Claim(ctx, "u-2", 1000, time.Minute); !ok {
		t.Fatal("counters are per user")
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := store.Claim(ctx, "u-1", 1000, time.Minute); !ok {
		t.Fatal("expected claim to be released after its ttl")
	}
}
