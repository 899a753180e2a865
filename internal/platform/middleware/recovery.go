package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery converts a handler panic into a 500 carrying the request id, so a
// clinician's failed sign or close can be traced in the logs. Open
// transactions are rolled back by their own deferred cleanup before the
// panic reaches here.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("record_id", c.Param("id")).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if c.Response().Committed {
					err = fmt.Errorf("panic after response committed: %v", r)
					return
				}
				err = c.JSON(http.StatusInternalServerError, map[string]any{
					"code":       "internal_error",
					"message":    "internal error",
					"retryable":  false,
					"request_id": rid,
				})
			}()
			return next(c)
		}
	}
}
