//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/ehr/hivstatus/internal/domain/hivstatus"
	"github.com/ehr/hivstatus/internal/platform/db"
	"github.com/ehr/hivstatus/migrations"
)

// globalPool is the shared database pool, initialized once in TestMain.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, cleanup, err := setupPostgresContainer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func setupPostgresContainer(ctx context.Context) (*pgxpool.Pool, func(), error) {
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("hivstatus"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("start postgres container: %w", err)
	}
	terminate := func() { _ = container.Terminate(context.Background()) }

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("connection string: %w", err)
	}

	pool, err := db.NewPool(ctx, connStr, db.PoolOptions{MaxConns: 10, TimeZone: "UTC"}, zerolog.Nop())
	if err != nil {
		terminate()
		return nil, nil, err
	}
	return pool, func() {
		pool.Close()
		terminate()
	}, nil
}

// uniqueTenantID generates a unique tenant ID for test isolation.
func uniqueTenantID(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

// createTenant creates and migrates a tenant schema, dropping it when the
// test ends.
func createTenant(t *testing.T, ctx context.Context, prefix string) string {
	t.Helper()
	tenantID := uniqueTenantID(prefix)
	if err := db.CreateTenantSchema(ctx, globalPool, tenantID, db.NewMigrator(globalPool, migrations.FS)); err != nil {
		t.Fatalf("create tenant schema %s: %v", tenantID, err)
	}
	t.Cleanup(func() {
		schema := db.TenantSchema(tenantID)
		if _, err := globalPool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
	})
	return tenantID
}

// withTenant runs fn with a tenant connection in its context, the way the
// tenant middleware does for requests.
func withTenant(t *testing.T, ctx context.Context, tenantID string, fn func(ctx context.Context)) {
	t.Helper()
	ctx, release, err := db.WithTenantConn(ctx, globalPool, tenantID)
	if err != nil {
		t.Fatalf("tenant connection: %v", err)
	}
	defer release()
	fn(ctx)
}

func exec(t *testing.T, ctx context.Context, tenantID, sql string, args ...interface{}) {
	t.Helper()
	withTenant(t, ctx, tenantID, func(ctx context.Context) {
		if _, err := db.ConnFromContext(ctx).Exec(ctx, sql, args...); err != nil {
			t.Fatalf("exec %q: %v", sql, err)
		}
	})
}

func createSubject(t *testing.T, ctx context.Context, tenantID string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	exec(t, ctx, tenantID, `INSERT INTO subject (id, subject_identifier) VALUES ($1, $2)`,
		id, "S-"+id.String()[:8])
	return id
}

func createVisit(t *testing.T, ctx context.Context, tenantID string, subjectID uuid.UUID, code string, encounter int, at time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	exec(t, ctx, tenantID,
		`INSERT INTO visit (id, subject_id, visit_datetime, visit_code, encounter) VALUES ($1, $2, $3, $4, $5)`,
		id, subjectID, at, code, encounter)
	return id
}

func addResult(t *testing.T, ctx context.Context, tenantID string, visitID uuid.UUID, value string, at *time.Time) {
	t.Helper()
	exec(t, ctx, tenantID,
		`INSERT INTO hiv_result (visit_id, result_value, result_datetime) VALUES ($1, $2, $3)`,
		visitID, value, at)
}

// review is one row of the status review form.
type review struct {
	reportedAt   time.Time
	documented   *string
	documentedAt *time.Time
	indirect     *string
	indirectAt   *time.Time
	verbal       *string
}

func addReview(t *testing.T, ctx context.Context, tenantID string, visitID uuid.UUID, r review) {
	t.Helper()
	exec(t, ctx, tenantID,
		`INSERT INTO hiv_status_review
		   (visit_id, report_datetime, documented_result, documented_result_date,
		    indirect_documentation, indirect_documentation_date, verbal_result)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		visitID, r.reportedAt, r.documented, r.documentedAt, r.indirect, r.indirectAt, r.verbal)
}

func newService(t *testing.T) *hivstatus.Service {
	t.Helper()
	mappings := hivstatus.DefaultMappings()
	repo, err := hivstatus.NewRepo(globalPool, mappings)
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	return hivstatus.NewService(repo, mappings, time.UTC, zerolog.Nop())
}

// storedQuery looks up every source for subjectID.
func storedQuery(svc *hivstatus.Service, subjectID uuid.UUID, ref time.Time) hivstatus.Query {
	stored := svc.Stored()
	return hivstatus.Query{
		SubjectID:     subjectID,
		ReferenceTime: &ref,
		Tested:        stored,
		Documented:    stored,
		Indirect:      stored,
		Verbal:        stored,
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }
