package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

const TenantHeader = "X-Tenant-ID"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,48}$`)

var (
	errInvalidTenant  = errors.New("invalid tenant identifier")
	errTenantMismatch = errors.New("tenant header does not match token tenant")
)

// SchemaFor returns the Postgres schema holding a tenant's chart tables.
// The name is lowercased so quoted and unquoted uses refer to one schema.
func SchemaFor(tenantID string) string {
	return "tenant_" + strings.ToLower(tenantID)
}

// TenantMiddleware pins one pooled connection to the request with its
// search_path pointed at the tenant schema. Repositories pick the connection
// up through ConnFromContext.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, err := resolveTenant(c, defaultTenant)
			switch {
			case errors.Is(err, errTenantMismatch):
				return tenantError(c, http.StatusForbidden, "tenant_mismatch", err)
			case err != nil:
				return tenantError(c, http.StatusBadRequest, "validation_error", err)
			}

			entered := false
			err = WithTenantConn(c.Request().Context(), pool, tenantID, func(ctx context.Context) error {
				entered = true
				c.SetRequest(c.Request().WithContext(ctx))
				c.Set("tenant_id", tenantID)
				return next(c)
			})
			if !entered && errors.Is(err, ErrConnUnavailable) {
				return tenantError(c, http.StatusServiceUnavailable, "database_unavailable", err)
			}
			return err
		}
	}
}

// ErrConnUnavailable is returned when no pooled connection could be acquired.
var ErrConnUnavailable = errors.New("database connection unavailable")

// WithTenantConn acquires a connection of its own, points its search_path at
// the tenant schema and runs fn with the connection and tenant on ctx. A pgx
// connection serves one caller at a time, so concurrent units of work in a
// request each need their own.
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: %s", errInvalidTenant, tenantID)
	}
	if TxFromContext(ctx) != nil {
		return errors.New("tenant connection requested inside a transaction")
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnUnavailable, err)
	}
	defer conn.Release()

	schema := pgx.Identifier{SchemaFor(tenantID)}.Sanitize()
	if _, err := conn.Exec(ctx, "SET search_path TO "+schema+", public"); err != nil {
		return fmt.Errorf("set tenant search_path: %w", err)
	}
	// The connection goes back to the pool when fn returns.
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "RESET search_path")
	}()

	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

// PerTenantConn adapts WithTenantConn to work that only knows its context:
// fn gets a fresh connection for the tenant already on ctx. Without a tenant
// fn runs on ctx unchanged and repositories fall back to the pool.
func PerTenantConn(pool *pgxpool.Pool) func(ctx context.Context, fn func(ctx context.Context) error) error {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		tenantID := TenantFromContext(ctx)
		if tenantID == "" {
			return fn(ctx)
		}
		return WithTenantConn(ctx, pool, tenantID, fn)
	}
}

// resolveTenant takes the tenant from the verified token, falling back to
// the header and then the default. A header naming a different tenant than
// the token is refused rather than silently ignored.
func resolveTenant(c echo.Context, defaultTenant string) (string, error) {
	header := c.Request().Header.Get(TenantHeader)
	tenantID := defaultTenant
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		if header != "" && header != tid {
			return "", errTenantMismatch
		}
		tenantID = tid
	} else if header != "" {
		tenantID = header
	}

	if !tenantIDPattern.MatchString(tenantID) {
		return "", errInvalidTenant
	}
	return tenantID, nil
}

func tenantError(c echo.Context, status int, code string, err error) error {
	return c.JSON(status, map[string]string{"code": code, "message": err.Error()})
}

// ConnFromContext returns the request's tenant-scoped connection, or nil.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the tenant schema and, when a migrator is given,
// applies the chart migrations to it.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrator *Migrator) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: %s", errInvalidTenant, tenantID)
	}
	schema := SchemaFor(tenantID)

	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
