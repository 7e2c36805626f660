// Package session provides Redis-backed session persistence, compact binary session
// encoding and the atomic generation check behind refresh-token rotation.
//
// # Binary encoding
//
// Sessions are stored as a fixed header (version, generation, timestamps) followed
// by the user ID and a JSON claims section. The rotate script reads the header in
// place, so header offsets never move between schema versions.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations), the [Session] model and the
// backend-neutral errors shared with other session backends. It does NOT interpret
// JWT tokens or enforce authentication policy; those belong to the Engine.
//
// # What this package must NOT do
//
//   - Import authflow or jwt (no upward imports).
//   - Store refresh tokens or other secrets in [Session] fields.
package session
