package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MrEthical07/authflow"
)

// SessionTokenHeader is the alternative header accepted when Authorization
// is absent.
const SessionTokenHeader = "X-Session-Token"

type authResultContextKey struct{}

// AuthResultFromContext returns the authenticated identity stored by
// Authenticate, if any.
func AuthResultFromContext(ctx context.Context) (*authflow.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*authflow.AuthResult)
	return res, ok && res != nil
}

// WithAuthResult stores res in ctx. Used by other transport adapters.
func WithAuthResult(ctx context.Context, res *authflow.AuthResult) context.Context {
	return context.WithValue(ctx, authResultContextKey{}, res)
}

// Authenticate validates the presented access token and injects the result.
// Client IP and user agent are attached for audit metadata; see
// [TrustProxies] for deployments behind a reverse proxy.
func Authenticate(engine *authflow.Engine, opts ...Option) func(http.Handler) http.Handler {
	o := Apply(opts...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}

			ctx := authflow.WithClientIP(r.Context(), o.ClientIP(r))
			ctx = authflow.WithUserAgent(ctx, r.UserAgent())

			token, ok := Token(r.Header)
			if !ok {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			res, err := engine.Authenticate(ctx, token)
			if err != nil {
				status := StatusFor(err)
				http.Error(w, authflow.PublicMessage(err), status)
				return
			}
			if res != nil {
				ctx = WithAuthResult(ctx, res)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Require rejects requests that Authenticate left anonymous. It must be
// installed after Authenticate.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := AuthResultFromContext(r.Context()); !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Token extracts the access token from Authorization or X-Session-Token.
// A malformed Authorization header counts as a presented (invalid) token.
func Token(h http.Header) (string, bool) {
	if value := strings.TrimSpace(h.Get("Authorization")); value != "" {
		const bearer = "bearer "
		if len(value) <= len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
			return value, true
		}
		return strings.TrimSpace(value[len(bearer):]), true
	}
	if value := strings.TrimSpace(h.Get(SessionTokenHeader)); value != "" {
		return value, true
	}
	return "", false
}

// StatusFor maps an engine error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, authflow.ErrBackendUnavailable), errors.Is(err, authflow.ErrEngineNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, authflow.ErrRateLimited):
		return http.StatusTooManyRequests
	case authflow.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, authflow.ErrPasswordPolicy):
		return http.StatusBadRequest
	default:
		return http.StatusUnauthorized
	}
}
