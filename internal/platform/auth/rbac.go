package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const RoleAdmin = "admin"

// Roles recognised by the chart routes.
const (
	RolePhysician  = "physician"
	RoleNurse      = "nurse"
	RoleRegistrar  = "registrar"
	RoleSupervisor = "supervisor"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admin passes every gate. The matching role is stored
// as "acting_role" so the actor recorded downstream is the one that was
// authorised.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleAdmin {
						c.Set("acting_role", has)
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
