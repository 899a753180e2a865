package middleware

import (
	"github.com/labstack/echo/v4"
)

var baseSecurityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
	// Chart bodies and rendered documents are PHI; nothing may cache them.
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
}

const hstsValue = "max-age=31536000; includeSubDomains"

// SecurityHeaders hardens every response. HSTS is only sent when hsts is
// set, since local development runs over plain HTTP.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range baseSecurityHeaders {
				h.Set(kv[0], kv[1])
			}
			if hsts {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			return next(c)
		}
	}
}
