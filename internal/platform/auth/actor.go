package auth

import "github.com/labstack/echo/v4"

// Actor is the authenticated principal performing a chart operation.
type Actor struct {
	Name string
	Role string
}

// ActorFromContext resolves the acting principal. The role is the one that
// passed RequireRole when present, else the first role on the token.
func ActorFromContext(c echo.Context) Actor {
	ctx := c.Request().Context()
	a := Actor{Name: UserNameFromContext(ctx)}
	if a.Name == "" {
		a.Name = UserIDFromContext(ctx)
	}
	if role, ok := c.Get("acting_role").(string); ok && role != "" {
		a.Role = role
		return a
	}
	if roles := RolesFromContext(ctx); len(roles) > 0 {
		a.Role = roles[0]
	}
	return a
}
