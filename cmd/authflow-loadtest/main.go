// Command authflow-loadtest drives ValidateAccess and rotating Refresh
// against a Redis-backed engine and prints latency percentiles.
//
// Refresh workers hold one token pair per session and race on purpose: a
// worker that loses the rotation race presents a stale generation, which
// revokes the session. The report counts those separately from errors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/authflow"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type slot struct {
	mu   sync.Mutex
	pair *authflow.TokenPair
}

type users struct{}

func (users) GetUserByIdentifier(context.Context, string) (authflow.UserRecord, error) {
	return authflow.UserRecord{}, authflow.ErrUserNotFound
}

func (users) GetUserByID(_ context.Context, userID string) (authflow.UserRecord, error) {
	return authflow.UserRecord{UserID: userID, Email: userID + "@load.test", EmailVerified: true}, nil
}

func (users) UpdatePasswordHash(context.Context, string, string) error { return nil }
func (users) MarkEmailVerified(context.Context, string) error          { return nil }
func (users) GetTOTPSecret(context.Context, string) (string, error)    { return "", nil }

type nopSender struct{}

func (nopSender) SendCode(context.Context, authflow.CodeMessage) error { return nil }

func main() {
	var (
		sessions    = flag.Int("sessions", 10000, "number of sessions to issue")
		concurrency = flag.Int("concurrency", 128, "concurrent workers")
		ops         = flag.Int("ops", 100000, "operations per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; REDIS_ADDR or miniredis when empty")
		stateless   = flag.Bool("stateless", false, "validate without the session lookup")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency and ops must be > 0")
		os.Exit(2)
	}

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "start miniredis: %v\n", err)
			os.Exit(1)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		fmt.Printf("using redis at %s\n", addr)
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer client.Close()

	cfg := authflow.DefaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte("loadtest-signing-key-0123456789abcdef")
	cfg.Token.RefreshKey = []byte("loadtest-refresh-key-0123456789abcdef")
	cfg.RateLimits.Policies = nil
	if *stateless {
		cfg.Token.ValidationMode = authflow.ModeStateless
	}

	engine, err := authflow.New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserProvider(users{}).
		WithCodeSender(nopSender{}).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()
	slots := make([]slot, *sessions)
	fmt.Printf("issuing %d sessions...\n", *sessions)
	start := time.Now()
	for i := range slots {
		pair, err := engine.IssueTokens(ctx, fmt.Sprintf("user-%d", i))
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue: %v\n", err)
			os.Exit(1)
		}
		slots[i].pair = pair
	}
	fmt.Printf("issued in %s\n", time.Since(start).Round(time.Millisecond))

	validate := runPhase(*ops, *concurrency, func(r *rand.Rand) outcome {
		s := &slots[r.Intn(len(slots))]
		s.mu.Lock()
		token := s.pair.AccessToken
		s.mu.Unlock()
		_, err := engine.ValidateAccess(ctx, token)
		return classify(err)
	})

	refresh := runPhase(*ops, *concurrency, func(r *rand.Rand) outcome {
		s := &slots[r.Intn(len(slots))]
		s.mu.Lock()
		defer s.mu.Unlock()
		next, err := engine.Refresh(ctx, s.pair.RefreshToken)
		if err == nil {
			s.pair = next
		}
		return classify(err)
	})

	fmt.Println("---- results ----")
	printStats("validate", validate)
	printStats("refresh", refresh)
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeRejected
	outcomeError
)

// classify separates expected token rejections from backend failures.
func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, authflow.ErrBackendUnavailable):
		return outcomeError
	default:
		return outcomeRejected
	}
}

type phaseStats struct {
	total    time.Duration
	ops      int
	rejected int64
	errors   int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
}

func runPhase(ops, concurrency int, op func(r *rand.Rand) outcome) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		rejected  int64
		failures  int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, ops)
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			local := make([]time.Duration, 0, ops/concurrency+1)
			for atomic.AddInt64(&cursor, 1) <= int64(ops) {
				t0 := time.Now()
				switch op(r) {
				case outcomeRejected:
					atomic.AddInt64(&rejected, 1)
				case outcomeError:
					atomic.AddInt64(&failures, 1)
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	stats := phaseStats{total: time.Since(start), ops: len(latencies), rejected: rejected, errors: failures}
	if len(latencies) == 0 {
		return stats
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	stats.p50 = percentile(latencies, 50)
	stats.p95 = percentile(latencies, 95)
	stats.p99 = percentile(latencies, 99)
	return stats
}

func percentile(sorted []time.Duration, p int) time.Duration {
	return sorted[(len(sorted)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d rejected=%d errors=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name, s.ops, s.rejected, s.errors,
		s.total.Round(time.Millisecond),
		float64(s.ops)/s.total.Seconds(),
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
