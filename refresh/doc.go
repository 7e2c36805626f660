// Package refresh encodes and authenticates opaque rotating refresh tokens.
//
// # Token format
//
//	base64url( session ID (16 bytes) || generation (8 bytes, big endian) || HMAC-SHA256 tag )
//
// A forged or truncated token fails the tag check before any store lookup.
// A token whose tag verifies can still carry a stale generation; whether
// that is a replay is decided against the session record, not here.
//
// # Key rotation
//
// Tokens are always signed with the current key. Previous keys only verify,
// so a key can be rotated without logging every session out.
//
// # What this package must NOT do
//
//   - Touch Redis or any other store.
//   - Import authflow, jwt, or session.
//   - Decide what a stale generation means.
package refresh
