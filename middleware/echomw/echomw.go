// Package echomw adapts authflow session authentication to echo.
package echomw

import (
	"net/http"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/middleware"
	"github.com/labstack/echo/v4"
)

// ContextKey is the echo.Context key holding the *authflow.AuthResult.
const ContextKey = "authflow.auth"

// Authenticate validates the presented access token. Anonymous requests
// continue; invalid tokens answer 401 and backend outages 503.
//
// The audited client IP comes from the echo instance's IPExtractor when one
// is set, and from opts otherwise.
func Authenticate(engine *authflow.Engine, opts ...middleware.Option) echo.MiddlewareFunc {
	o := middleware.Apply(opts...)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if engine == nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable")
			}

			req := c.Request()
			ip := o.ClientIP(req)
			if c.Echo().IPExtractor != nil {
				ip = c.RealIP()
			}
			ctx := authflow.WithClientIP(req.Context(), ip)
			ctx = authflow.WithUserAgent(ctx, req.UserAgent())

			token, ok := middleware.Token(req.Header)
			if ok {
				res, err := engine.Authenticate(ctx, token)
				if err != nil {
					return echo.NewHTTPError(middleware.StatusFor(err), authflow.PublicMessage(err))
				}
				if res != nil {
					ctx = middleware.WithAuthResult(ctx, res)
					c.Set(ContextKey, res)
				}
			}

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// Require rejects requests that Authenticate left anonymous.
func Require() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := AuthResult(c); !ok {
				c.Response().Header().Set("WWW-Authenticate", "Bearer")
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

// AuthResult returns the identity stored by Authenticate.
func AuthResult(c echo.Context) (*authflow.AuthResult, bool) {
	res, ok := c.Get(ContextKey).(*authflow.AuthResult)
	return res, ok && res != nil
}
