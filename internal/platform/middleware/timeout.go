package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. A handler that gives
// up with DeadlineExceeded is reported as a retryable 504; a lifecycle
// transaction cut short this way has already rolled back.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && !c.Response().Committed {
				rid, _ := c.Get("request_id").(string)
				return c.JSON(http.StatusGatewayTimeout, map[string]any{
					"code":       "timeout",
					"message":    "request exceeded " + timeout.String(),
					"retryable":  true,
					"request_id": rid,
				})
			}
			return err
		}
	}
}
