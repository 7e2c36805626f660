// Package authflow authenticates users through staged login flows and manages
// the token pairs issued afterwards.
//
// An [Engine] is assembled with [Builder] and is safe for concurrent use once
// built. It covers:
//
//   - access tokens validated either statelessly (signature and expiry only)
//     or statefully (one session lookup per request, instant revocation);
//   - refresh tokens carrying a generation counter, optionally rotated on
//     every refresh, where presenting a superseded generation revokes the
//     whole session;
//   - single-use challenge codes with an attempt budget, driving login by
//     code, email verification and password reset;
//   - ordered login and signup stages (verify_email, mfa_authenticate)
//     tracked per flow through an opaque flow id;
//   - password change and reauthentication for signed-in users.
//
// # Errors
//
// Every method returns one of the sentinels in errors.go, possibly joined
// with its cause. [ErrBackendUnavailable] is the only class that does not
// describe the request itself; it is never reported as a revoked session.
// Use [PublicMessage] for client-facing text.
//
// # Stores
//
// Challenge codes, pending flows, TOTP replay markers and (by default)
// sessions live in Redis. Sessions may instead be kept in Postgres through
// pgstore.
package authflow
