// Package internal holds identifiers and challenge-code helpers private to
// authflow: session and flow ids, code generation over the configured
// alphabet and normalization of submitted codes.
//
// Sub-packages:
//
//   - audit: async event dispatch
//   - authtest: miniredis-backed engine for adapter tests
//   - flows: runners for token, verification and stage flows
//   - metrics: lock-free counters
//   - rate: Redis and in-process rate limiters
//   - stores: Redis records for challenge codes, pending stages and TOTP replay
package internal
