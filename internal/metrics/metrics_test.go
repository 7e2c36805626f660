package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestCountersAndSnapshot(t *testing.T) {
	m := New(Config{Enabled: true, EnableLatencyHistograms: true}, 4, 3)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Inc(1)
		}()
	}
	wg.Wait()

	m.Observe(3, 2*time.Millisecond)
	m.Observe(3, time.Second)
	m.Observe(2, time.Millisecond) // not a latency slot

	s := m.Snapshot()
	if s.Counters[1] != 50 {
		t.Fatalf("expected 50, got %d", s.Counters[1])
	}
	if got := s.Histograms[3]; got[0] != 1 || got[7] != 1 {
		t.Fatalf("unexpected buckets %v", got)
	}
	if _, ok := s.Histograms[2]; ok {
		t.Fatal("only registered latency ids produce histograms")
	}
}

func TestDisabledMetricsAreInert(t *testing.T) {
	m := New(Config{}, 2)
	m.Inc(0)
	m.Inc(99)
	if m.Value(0) != 0 {
		t.Fatal("disabled metrics must not count")
	}
	if len(m.Snapshot().Counters) != 0 {
		t.Fatal("disabled snapshot must be empty")
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(0)
	nilMetrics.Observe(0, time.Millisecond)
}

func TestBucketIndex(t *testing.T) {
	cases := map[time.Duration]int{
		time.Millisecond:       0,
		7 * time.Millisecond:   1,
		20 * time.Millisecond:  2,
		40 * time.Millisecond:  3,
		90 * time.Millisecond:  4,
		200 * time.Millisecond: 5,
		400 * time.Millisecond: 6,
		2 * time.Second:        7,
	}
	for d, want := range cases {
		if got := BucketIndex(d); got != want {
			t.Fatalf("BucketIndex(%v) = %d, want %d", d, got, want)
		}
	}
}
