// Package metrics holds the engine's counters and its validation latency
// histogram.
//
// # Design
//
// Each counter lives in its own padded slot and is bumped with an atomic
// add, so concurrent flows never contend on a lock. The histogram has a
// fixed set of buckets ([HistogramBuckets]) and records nothing unless both
// metrics and latency histograms are enabled.
//
// # Architecture boundaries
//
// Snapshots are plain values. The Prometheus and OpenTelemetry exporters
// under metrics/export read them and never touch live counters.
//
// # What this package must NOT do
//
//   - Perform I/O.
//   - Import authflow or any sibling package.
//   - Keep package-level state.
package metrics
