package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
	DBTxKey     contextKey = "db_tx"
	connLockKey contextKey = "db_conn_lock"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

var (
	ErrInvalidTenant = errors.New("invalid tenant identifier")
	ErrUnavailable   = errors.New("database unavailable")
)

// TenantMiddleware pins one pooled connection per request with search_path
// set to the tenant schema. Requests without a tenant use defaultTenant.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)

			ctx, release, err := WithTenantConn(c.Request().Context(), pool, tenantID)
			switch {
			case errors.Is(err, ErrInvalidTenant):
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			case errors.Is(err, ErrUnavailable):
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			case err != nil:
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)

			return next(c)
		}
	}
}

// ReadSnapshot runs the rest of the request inside a read-only repeatable
// read transaction on the tenant connection, so every lookup of one request
// sees the same data. It is a no-op without a tenant connection.
func ReadSnapshot() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if ConnFromContext(ctx) == nil {
				return next(c)
			}
			ctx, tx, err := WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			// Read-only: rolling back releases the snapshot.
			defer tx.Rollback(context.Background())

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithTenantConn acquires a connection with search_path set to the tenant
// schema and returns a context carrying it. The caller must call release.
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string) (context.Context, func(), error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return ctx, nil, ErrInvalidTenant
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", TenantSchema(tenantID))); err != nil {
		conn.Release()
		return ctx, nil, fmt.Errorf("set search_path: %w", err)
	}
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	ctx = context.WithValue(ctx, connLockKey, &sync.Mutex{})
	return ctx, conn.Release, nil
}

// TenantSchema returns the schema name for a tenant id.
func TenantSchema(tenantID string) string {
	return "tenant_" + tenantID
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	// 1. JWT claim (set by auth middleware)
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}

	// 2. X-Tenant-ID header
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}

	// 3. query parameter
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}

	return defaultTenant
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TxFromContext retrieves the request transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// WithTx begins a transaction on the context connection and returns a context
// carrying it.
func WithTx(ctx context.Context, opts ...pgx.TxOptions) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	var txOpts pgx.TxOptions
	if len(opts) > 0 {
		txOpts = opts[0]
	}
	tx, err := conn.BeginTx(ctx, txOpts)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// LockConn serializes use of the pinned request connection. A pgx connection
// handles one query at a time, so concurrent readers sharing it must hold the
// lock from query until the rows are consumed. It is a no-op when the context
// carries no pinned connection.
func LockConn(ctx context.Context) func() {
	mu, ok := ctx.Value(connLockKey).(*sync.Mutex)
	if !ok {
		return func() {}
	}
	mu.Lock()
	return mu.Unlock
}

// CreateTenantSchema creates the schema for a tenant and migrates it.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrator *Migrator) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: %s", ErrInvalidTenant, tenantID)
	}

	schema := TenantSchema(tenantID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
