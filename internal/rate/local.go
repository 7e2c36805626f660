package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const localSweepThreshold = 10000

type localEntry struct {
	limiter  *rate.Limiter
	window   time.Duration
	lastSeen time.Time
}

// Local is an in-process token-bucket limiter for single-instance
// deployments and tests. Each policy becomes a bucket of Limit tokens
// refilled over Window.
type Local struct {
	mu       sync.Mutex
	policies map[string]Policy
	buckets  map[string]*localEntry
	now      func() time.Time
}

// NewLocal returns a Local limiter for policies.
func NewLocal(policies map[string]Policy) *Local {
	copied := make(map[string]Policy, len(policies))
	for action, p := range policies {
		copied[action] = p
	}
	return &Local{
		policies: copied,
		buckets:  make(map[string]*localEntry),
		now:      time.Now,
	}
}

// ConsumeOrReject takes one token from the (action, key) bucket.
func (l *Local) ConsumeOrReject(_ context.Context, action, key string) (bool, error) {
	policy, ok := l.policies[action]
	if !ok || !policy.Enabled() {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	id := action + ":" + key
	entry, ok := l.buckets[id]
	if !ok {
		if len(l.buckets) >= localSweepThreshold {
			l.sweep(now)
		}
		every := policy.Window / time.Duration(policy.Limit)
		entry = &localEntry{limiter: rate.NewLimiter(rate.Every(every), policy.Limit), window: policy.Window}
		l.buckets[id] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1), nil
}

// Reset refills the (action, key) bucket.
func (l *Local) Reset(_ context.Context, action, key string) error {
	l.mu.Lock()
	delete(l.buckets, action+":"+key)
	l.mu.Unlock()
	return nil
}

// sweep drops buckets idle for longer than their window; such a bucket is
// full again, so dropping it changes nothing observable.
func (l *Local) sweep(now time.Time) {
	for id, entry := range l.buckets {
		if now.Sub(entry.lastSeen) > entry.window {
			delete(l.buckets, id)
		}
	}
}
