// Package stores provides Redis-backed, short-lived records for
// authentication flows: challenge codes, pending stages and TOTP replay
// markers.
//
// # Design
//
// Challenge records are versioned and binary-encoded. Verify and
// RecordInvalidAttempt each run as one Lua script, so the attempt counter and
// the consumed flag change exactly once per call. Pending stage records are
// JSON and change only through WATCH/MULTI compare-and-set with bounded
// retry. Every record carries a TTL; spent challenges stay behind as
// tombstones until their retention elapses.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for transient flow
// records. It does NOT generate codes, enforce rate limits, or make
// authentication decisions. Those belong to internal/flows.
//
// # What this package must NOT do
//
//   - Import authflow or any sibling internal package.
//   - Log or expose plaintext secrets.
//   - Use non-constant-time comparisons for secret matching.
package stores
