// Package middleware adapts authflow.Engine session authentication to
// net/http.
//
// [Authenticate] reads the access token from the Authorization header
// ("Bearer <token>") or, failing that, from X-Session-Token, validates it and
// stores the result in the request context. Requests without a token pass
// through anonymously; [Require] rejects them.
//
// A rejected token answers 401. A backend outage answers 503 and is never
// reported to the client as an invalid token.
package middleware
