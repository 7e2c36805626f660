// Package jwt issues and verifies stateless access tokens: signed JWTs carrying the
// subject, the session ID and any application claims, with strict validation
// (algorithm pinning, kid rotation, issuer/audience, leeway) and a closed error set.
package jwt
