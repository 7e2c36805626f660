// Package rate provides the per-action rate limiters behind the engine's
// RateLimiter collaborator.
//
// # Window semantics
//
//   - [Limiter]: Redis fixed-window counters, INCR + EXPIRE on first hit.
//     Keys are <prefix>:<action>:<key>.
//   - [Local]: in-process token buckets (golang.org/x/time/rate).
//
// # What this package must NOT do
//
//   - Decide which actions are limited (policies come from configuration).
//   - Be imported outside the authflow module.
package rate
