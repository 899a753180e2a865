package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWithHeaders(t *testing.T, hsts bool, handler echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/charts", nil), rec)
	return rec, SecurityHeaders(hsts)(handler)(c)
}

func TestSecurityHeaders_SetsBaseHeaders(t *testing.T) {
	rec, err := serveWithHeaders(t, true, func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	require.NoError(t, err)

	for _, kv := range baseSecurityHeaders {
		assert.Equal(t, kv[1], rec.Header().Get(kv[0]), kv[0])
	}
	assert.Equal(t, hstsValue, rec.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeaders_NoHSTSInDev(t *testing.T) {
	rec, err := serveWithHeaders(t, false, func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, err)
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestSecurityHeaders_SetEvenWhenHandlerFails(t *testing.T) {
	rec, err := serveWithHeaders(t, true, func(c echo.Context) error {
		return echo.ErrForbidden
	})
	assert.Equal(t, echo.ErrForbidden, err)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
