//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/hivstatus/internal/domain/hivstatus"
	"github.com/ehr/hivstatus/internal/platform/db"
	"github.com/ehr/hivstatus/migrations"
)

func TestMigrations_AppliedOnTenantCreate(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t, ctx, "mig")

	statuses, err := db.NewMigrator(globalPool, migrations.FS).Status(ctx, db.TenantSchema(tenantID))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("expected at least one migration")
	}
	for _, s := range statuses {
		if !s.Applied || s.AppliedAt == nil {
			t.Errorf("migration %d %s not applied", s.Version, s.Name)
		}
	}

	// A second run is a no-op.
	n, err := db.NewMigrator(globalPool, migrations.FS).Up(ctx, db.TenantSchema(tenantID))
	if err != nil || n != 0 {
		t.Errorf("expected no pending migrations, got %d (%v)", n, err)
	}
}

func TestRepo_FindLatestAndEarliest(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t, ctx, "repo")
	subjectID := createSubject(t, ctx, tenantID)

	v1 := createVisit(t, ctx, tenantID, subjectID, "1000", 0, day(2024, 1, 10))
	v2 := createVisit(t, ctx, tenantID, subjectID, "2000", 0, day(2024, 3, 5))
	v3 := createVisit(t, ctx, tenantID, subjectID, "3000", 0, day(2024, 4, 1))
	addResult(t, ctx, tenantID, v1, hivstatus.POS, ptr(day(2024, 1, 10)))
	addResult(t, ctx, tenantID, v2, hivstatus.POS, ptr(day(2024, 3, 5)))
	// Undated rows sort last in both directions.
	addResult(t, ctx, tenantID, v3, hivstatus.POS, nil)

	repo, err := hivstatus.NewRepo(globalPool, hivstatus.DefaultMappings())
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	l := hivstatus.Lookup{SubjectID: subjectID, Values: []string{hivstatus.POS}}

	withTenant(t, ctx, tenantID, func(ctx context.Context) {
		latest, err := repo.FindLatest(ctx, hivstatus.KindTested, l)
		if err != nil {
			t.Fatalf("FindLatest: %v", err)
		}
		if latest.Timestamp == nil || !latest.Timestamp.Equal(day(2024, 3, 5)) {
			t.Errorf("expected latest dated 2024-03-05, got %v", latest.Timestamp)
		}
		if latest.Visit == nil || latest.Visit.VisitCode != "2000" {
			t.Errorf("expected visit 2000, got %+v", latest.Visit)
		}

		earliest, err := repo.FindEarliest(ctx, hivstatus.KindTested, l)
		if err != nil {
			t.Fatalf("FindEarliest: %v", err)
		}
		if earliest.Timestamp == nil || !earliest.Timestamp.Equal(day(2024, 1, 10)) {
			t.Errorf("expected earliest dated 2024-01-10, got %v", earliest.Timestamp)
		}

		before := day(2024, 1, 10)
		bounded := l
		bounded.Before = &before
		if _, err := repo.FindLatest(ctx, hivstatus.KindTested, bounded); !errors.Is(err, hivstatus.ErrNotFound) {
			t.Errorf("expected strict before bound to exclude 2024-01-10, got %v", err)
		}

		scoped := l
		scoped.Visit = hivstatus.NewVisitScope("1000", ptr(0), nil)
		rec, err := repo.FindLatest(ctx, hivstatus.KindTested, scoped)
		if err != nil || rec.Visit.VisitCode != "1000" {
			t.Errorf("expected visit 1000 record, got %+v (%v)", rec, err)
		}
	})
}

func TestResolve_NewlyPositive(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t, ctx, "newpos")
	subjectID := createSubject(t, ctx, tenantID)

	v1 := createVisit(t, ctx, tenantID, subjectID, "1000", 0, day(2024, 1, 10))
	v2 := createVisit(t, ctx, tenantID, subjectID, "2000", 0, day(2024, 3, 5))
	addResult(t, ctx, tenantID, v1, hivstatus.NEG, ptr(day(2024, 1, 10)))
	addResult(t, ctx, tenantID, v2, hivstatus.POS, ptr(day(2024, 3, 5)))

	svc := newService(t)
	withTenant(t, ctx, tenantID, func(ctx context.Context) {
		st, err := svc.Resolve(ctx, storedQuery(svc, subjectID, day(2024, 3, 10)))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !st.Is(hivstatus.POS) || st.Result().Source != hivstatus.KindTested {
			t.Errorf("expected tested POS, got %+v", st.Result())
		}
		if !st.NewlyPositive() {
			t.Error("expected newly positive without prior evidence")
		}
		if st.Previous().HasValue() {
			t.Errorf("expected same-day previous result to be dropped, got %+v", st.Previous())
		}
	})
}

func TestResolve_EarlierPositiveIsKnown(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t, ctx, "known")
	subjectID := createSubject(t, ctx, tenantID)

	v1 := createVisit(t, ctx, tenantID, subjectID, "1000", 0, day(2024, 1, 10))
	v2 := createVisit(t, ctx, tenantID, subjectID, "2000", 0, day(2024, 3, 5))
	addResult(t, ctx, tenantID, v1, hivstatus.POS, ptr(day(2024, 1, 10)))
	addResult(t, ctx, tenantID, v2, hivstatus.POS, ptr(day(2024, 3, 5)))

	svc := newService(t)
	withTenant(t, ctx, tenantID, func(ctx context.Context) {
		st, err := svc.Resolve(ctx, storedQuery(svc, subjectID, day(2024, 3, 1)))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !st.Previous().Is(hivstatus.POS) {
			t.Fatalf("expected previous POS, got %+v", st.Previous())
		}
		if !st.Documented().Is(hivstatus.POS) {
			t.Errorf("expected previous result to stand in for documented, got %+v", st.Documented())
		}
		if st.NewlyPositive() {
			t.Error("expected an earlier positive to rule out newly positive")
		}
	})
}

func TestResolve_DocumentedAndVerbal(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t, ctx, "review")
	subjectID := createSubject(t, ctx, tenantID)

	v1 := createVisit(t, ctx, tenantID, subjectID, "1000", 0, day(2024, 2, 1))
	addReview(t, ctx, tenantID, v1, review{
		reportedAt:   day(2024, 2, 1),
		documented:   ptr(hivstatus.POS),
		documentedAt: ptr(day(2023, 6, 1)),
	})

	subject2 := createSubject(t, ctx, tenantID)
	v2 := createVisit(t, ctx, tenantID, subject2, "1000", 0, day(2024, 2, 1))
	addReview(t, ctx, tenantID, v2, review{reportedAt: day(2024, 2, 1), verbal: ptr(hivstatus.POS)})

	svc := newService(t)
	withTenant(t, ctx, tenantID, func(ctx context.Context) {
		st, err := svc.Resolve(ctx, storedQuery(svc, subjectID, day(2024, 2, 2)))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !st.Is(hivstatus.POS) || st.Result().Source != hivstatus.KindDocumented {
			t.Errorf("expected documented POS, got %+v", st.Result())
		}
		if st.NewlyPositive() {
			t.Error("documented POS is not newly positive")
		}

		q := storedQuery(svc, subject2, day(2024, 2, 2))
		st, err = svc.Resolve(ctx, q)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if st.Result().HasValue() {
			t.Errorf("expected verbal POS to be ignored by default, got %+v", st.Result())
		}
		if !st.Verbal().Is(hivstatus.POS) {
			t.Errorf("expected verbal POS to be reported, got %+v", st.Verbal())
		}

		q.IncludeVerbal = true
		st, err = svc.Resolve(ctx, q)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !st.Is(hivstatus.POS) || st.Result().Source != hivstatus.KindVerbal {
			t.Errorf("expected verbal POS when included, got %+v", st.Result())
		}
	})
}

func TestResolve_VisitCodeScope(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t, ctx, "scope")
	subjectID := createSubject(t, ctx, tenantID)

	v1 := createVisit(t, ctx, tenantID, subjectID, "1000", 0, day(2024, 1, 10))
	v2 := createVisit(t, ctx, tenantID, subjectID, "2000", 0, day(2024, 3, 5))
	addResult(t, ctx, tenantID, v1, hivstatus.NEG, ptr(day(2024, 1, 10)))
	addResult(t, ctx, tenantID, v2, hivstatus.POS, ptr(day(2024, 3, 5)))

	svc := newService(t)
	withTenant(t, ctx, tenantID, func(ctx context.Context) {
		q := storedQuery(svc, subjectID, day(2024, 3, 10))
		q.VisitCode = "1000"
		q.ResultList = []string{hivstatus.NEG}
		st, err := svc.Resolve(ctx, q)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !st.Is(hivstatus.NEG) {
			t.Errorf("expected NEG at visit 1000, got %+v", st.Result())
		}
		if st.Tested().Visit == nil || st.Tested().Visit.VisitCode != "1000" {
			t.Errorf("expected visit 1000, got %+v", st.Tested().Visit)
		}
	})
}

func TestResolve_NoRecords(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t, ctx, "empty")
	subjectID := createSubject(t, ctx, tenantID)

	svc := newService(t)
	withTenant(t, ctx, tenantID, func(ctx context.Context) {
		st, err := svc.Resolve(ctx, storedQuery(svc, subjectID, day(2024, 3, 10)))
		if err != nil {
			t.Fatalf("expected missing records not to fail, got %v", err)
		}
		if st.Result().HasValue() || st.NewlyPositive() || st.SubjectAware() {
			t.Errorf("expected empty status, got %+v", st.Result())
		}
	})
}

func TestResolve_ReadSnapshot(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t, ctx, "snap")
	subjectID := createSubject(t, ctx, tenantID)
	v1 := createVisit(t, ctx, tenantID, subjectID, "1000", 0, day(2024, 1, 10))
	addResult(t, ctx, tenantID, v1, hivstatus.POS, ptr(day(2024, 1, 10)))

	svc := newService(t)
	withTenant(t, ctx, tenantID, func(ctx context.Context) {
		ctx, tx, err := db.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback(context.Background())

		st, err := svc.Resolve(ctx, storedQuery(svc, subjectID, day(2024, 3, 10)))
		if err != nil {
			t.Fatalf("Resolve in read-only tx: %v", err)
		}
		if !st.Is(hivstatus.POS) {
			t.Errorf("expected POS, got %+v", st.Result())
		}
	})
}

func TestResolve_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	siteA := createTenant(t, ctx, "site_a")
	siteB := createTenant(t, ctx, "site_b")

	subjectID := createSubject(t, ctx, siteA)
	v1 := createVisit(t, ctx, siteA, subjectID, "1000", 0, day(2024, 1, 10))
	addResult(t, ctx, siteA, v1, hivstatus.POS, ptr(day(2024, 1, 10)))

	svc := newService(t)
	withTenant(t, ctx, siteB, func(ctx context.Context) {
		st, err := svc.Resolve(ctx, storedQuery(svc, subjectID, day(2024, 3, 10)))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if st.Result().HasValue() {
			t.Errorf("expected no results across tenants, got %+v", st.Result())
		}
	})
}

func TestFirstPositive(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t, ctx, "first")
	subjectID := createSubject(t, ctx, tenantID)

	v1 := createVisit(t, ctx, tenantID, subjectID, "1000", 0, day(2023, 11, 2))
	v2 := createVisit(t, ctx, tenantID, subjectID, "2000", 0, day(2024, 3, 5))
	addResult(t, ctx, tenantID, v1, hivstatus.POS, ptr(day(2023, 11, 2)))
	addResult(t, ctx, tenantID, v2, hivstatus.POS, ptr(day(2024, 3, 5)))

	svc := newService(t)
	withTenant(t, ctx, tenantID, func(ctx context.Context) {
		r, err := svc.FirstPositive(ctx, subjectID, hivstatus.VisitScope{})
		if err != nil {
			t.Fatalf("FirstPositive: %v", err)
		}
		if r.Timestamp == nil || !r.Timestamp.Equal(day(2023, 11, 2)) {
			t.Errorf("expected 2023-11-02, got %v", r.Timestamp)
		}

		r, err = svc.FirstPositive(ctx, subjectID, hivstatus.NewVisitScope("2000", nil, nil))
		if err != nil {
			t.Fatalf("FirstPositive: %v", err)
		}
		if r.Timestamp == nil || !r.Timestamp.Equal(day(2024, 3, 5)) {
			t.Errorf("expected 2024-03-05 within visit 2000, got %v", r.Timestamp)
		}
	})
}

func TestResolve_Concurrent(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t, ctx, "conc")
	subjectID := createSubject(t, ctx, tenantID)
	v1 := createVisit(t, ctx, tenantID, subjectID, "1000", 0, day(2024, 1, 10))
	addResult(t, ctx, tenantID, v1, hivstatus.POS, ptr(day(2024, 1, 10)))

	svc := newService(t)
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			ctx, release, err := db.WithTenantConn(ctx, globalPool, tenantID)
			if err != nil {
				errs <- err
				return
			}
			defer release()
			st, err := svc.Resolve(ctx, storedQuery(svc, subjectID, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)))
			if err == nil && !st.Is(hivstatus.POS) {
				err = errors.New("expected POS")
			}
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent resolve: %v", err)
		}
	}
}
