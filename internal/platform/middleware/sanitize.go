package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const maxHeaderValueSize = 8 << 10

var (
	// Logged, not blocked; queries are parameterized.
	sqlPattern    = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1)`)
	scriptPattern = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)
)

// Sanitize rejects requests carrying path traversal, null bytes, header
// injection or script fragments in query parameters with a 400.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			for _, p := range []string{req.URL.Path, req.URL.RawPath} {
				if hasTraversal(p) {
					return rejectRequest(c, "path traversal")
				}
				if hasNullByte(p) {
					return rejectRequest(c, "null byte in path")
				}
			}

			for name, values := range req.Header {
				for _, v := range values {
					if len(v) > maxHeaderValueSize {
						return rejectRequest(c, "header "+name+" too large")
					}
					if strings.ContainsAny(v, "\r\n") {
						return rejectRequest(c, "header "+name+" contains a line break")
					}
				}
			}

			for key, values := range req.URL.Query() {
				for _, v := range values {
					if hasNullByte(key) || hasNullByte(v) {
						return rejectRequest(c, "null byte in query parameter")
					}
					if scriptPattern.MatchString(key) || scriptPattern.MatchString(v) {
						return rejectRequest(c, "script in query parameter")
					}
					if sqlPattern.MatchString(v) {
						logger.Warn().
							Str("param", key).
							Str("path", req.URL.Path).
							Str("remote_ip", c.RealIP()).
							Msg("suspicious query parameter")
					}
				}
			}
			return next(c)
		}
	}
}

func hasTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(s, "..") || strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func hasNullByte(s string) bool {
	return strings.ContainsRune(s, 0) || strings.Contains(strings.ToLower(s), "%00")
}

func rejectRequest(c echo.Context, reason string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"code":    "validation_error",
		"message": "rejected request: " + reason,
	})
}
