package echomw

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/internal/authtest"
	"github.com/MrEthical07/authflow/middleware"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*echo.Echo, *authtest.Env) {
	t.Helper()

	env := authtest.NewEngine(t)
	e := echo.New()
	e.Use(Authenticate(env.Engine))
	e.GET("/public", func(c echo.Context) error {
		_, ok := AuthResult(c)
		if ok {
			return c.String(http.StatusOK, "member")
		}
		return c.String(http.StatusOK, "guest")
	})
	e.GET("/me", func(c echo.Context) error {
		res, _ := AuthResult(c)
		fromCtx, ok := middleware.AuthResultFromContext(c.Request().Context())
		if !ok || fromCtx.SessionID != res.SessionID {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.String(http.StatusOK, res.UserID)
	}, Require())
	return e, env
}

func TestEchoAuthenticate(t *testing.T) {
	e, env := newServer(t)
	pair := env.Issue(t, "u1")

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())
}

func TestEchoSessionTokenHeader(t *testing.T) {
	e, env := newServer(t)
	pair := env.Issue(t, "u1")

	req := httptest.NewRequest(http.MethodGet, "/public", nil)
	req.Header.Set(middleware.SessionTokenHeader, pair.AccessToken)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "member", rec.Body.String())
}

func TestEchoAnonymous(t *testing.T) {
	e, _ := newServer(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/public", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "guest", rec.Body.String())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEchoRejectsInvalidToken(t *testing.T) {
	e, _ := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/public", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEchoBackendDown(t *testing.T) {
	e, env := newServer(t)
	pair := env.Issue(t, "u1")
	env.Redis.Close()

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEchoClientIP(t *testing.T) {
	env := authtest.NewEngine(t)

	serve := func(e *echo.Echo) string {
		var seen string
		e.GET("/ip", func(c echo.Context) error {
			seen = authflow.ClientIPFromContext(c.Request().Context())
			return c.NoContent(http.StatusNoContent)
		})
		req := httptest.NewRequest(http.MethodGet, "/ip", nil)
		req.RemoteAddr = "10.0.0.5:3456"
		req.Header.Set("X-Forwarded-For", "198.51.100.7")
		e.ServeHTTP(httptest.NewRecorder(), req)
		return seen
	}

	plain := echo.New()
	plain.Use(Authenticate(env.Engine))
	assert.Equal(t, "10.0.0.5", serve(plain))

	proxied := echo.New()
	proxied.Use(Authenticate(env.Engine, middleware.TrustProxies(netip.MustParsePrefix("10.0.0.0/8"))))
	assert.Equal(t, "198.51.100.7", serve(proxied))

	extractor := echo.New()
	extractor.IPExtractor = echo.ExtractIPDirect()
	extractor.Use(Authenticate(env.Engine, middleware.TrustProxies(netip.MustParsePrefix("10.0.0.0/8"))))
	assert.Equal(t, "10.0.0.5", serve(extractor))
}
