package metrics

import (
	"sync/atomic"
	"time"
)

// MetricID indexes a counter or histogram slot.
type MetricID uint16

// Config toggles collection.
type Config struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

const (
	// HistogramBuckets is the number of latency buckets, the last one being +Inf.
	HistogramBuckets = 8
	cacheLineSize    = 64
)

type histogram struct {
	buckets [HistogramBuckets]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds a fixed set of counters and latency histograms.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      []paddedCounter
	histograms    []histogram
	latencyIDs    map[MetricID]struct{}
}

// Snapshot is a point-in-time copy of every slot.
type Snapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// New allocates count counter slots. latencyIDs are the only IDs that accept
// Observe.
func New(cfg Config, count int, latencyIDs ...MetricID) *Metrics {
	m := &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
		counters:      make([]paddedCounter, count),
		histograms:    make([]histogram, count),
		latencyIDs:    make(map[MetricID]struct{}, len(latencyIDs)),
	}
	for _, id := range latencyIDs {
		if int(id) < count {
			m.latencyIDs[id] = struct{}{}
		}
	}
	return m
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || int(id) >= len(m.counters) {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || int(id) >= len(m.histograms) {
		return
	}
	if _, ok := m.latencyIDs[id]; !ok {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[BucketIndex(d)], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || int(id) >= len(m.counters) {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil || !m.enabled {
		return Snapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := Snapshot{
		Counters:   make(map[MetricID]uint64, len(m.counters)),
		Histograms: make(map[MetricID][]uint64, len(m.latencyIDs)),
	}
	for i := range m.counters {
		s.Counters[MetricID(i)] = atomic.LoadUint64(&m.counters[i].value)
	}
	if m.enableLatency {
		for id := range m.latencyIDs {
			buckets := make([]uint64, HistogramBuckets)
			for i := 0; i < HistogramBuckets; i++ {
				buckets[i] = atomic.LoadUint64(&m.histograms[id].buckets[i])
			}
			s.Histograms[id] = buckets
		}
	}
	return s
}

// BucketIndex maps d onto the ≤5ms … +Inf bucket layout.
func BucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
