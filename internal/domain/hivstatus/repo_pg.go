package hivstatus

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hivstatus/internal/platform/db"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type repoPG struct {
	pool     *pgxpool.Pool
	mappings Mappings
}

// NewRepo returns a Postgres-backed Repository reading through mappings.
func NewRepo(pool *pgxpool.Pool, mappings Mappings) (Repository, error) {
	if err := mappings.Validate(); err != nil {
		return nil, err
	}
	for kind, fm := range mappings {
		for _, ident := range []string{fm.Table, fm.ValueColumn, fm.TimestampColumn} {
			if !identPattern.MatchString(ident) {
				return nil, fmt.Errorf("mapping for %q: invalid identifier %q", kind, ident)
			}
		}
	}
	return &repoPG{pool: pool, mappings: mappings}, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// buildLookup renders the SELECT for one lookup. order is "DESC" or "ASC".
func buildLookup(fm FieldMapping, l Lookup, order string) (string, []interface{}, error) {
	valueCol := "r." + fm.ValueColumn
	tsCol := "r." + fm.TimestampColumn

	q := psql.Select(
		"r.id", "v.subject_id", valueCol, tsCol,
		"v.id", "v.visit_code", "v.encounter", "v.visit_datetime",
	).
		From(fm.Table + " r").
		Join("visit v ON v.id = r.visit_id").
		Where(sq.Eq{"v.subject_id": l.SubjectID}).
		Where(sq.Eq{valueCol: l.Values})

	switch {
	case l.Visit.VisitCode != "" && l.Visit.Encounter != nil:
		q = q.Where(sq.Eq{"v.visit_code": l.Visit.VisitCode, "v.encounter": *l.Visit.Encounter})
	case l.Visit.VisitCode != "":
		q = q.Where(sq.Eq{"v.visit_code": l.Visit.VisitCode})
	case l.Visit.VisitID != nil:
		q = q.Where(sq.Eq{"v.id": *l.Visit.VisitID})
	}
	if l.Before != nil {
		q = q.Where(sq.Lt{tsCol: *l.Before})
	}

	q = q.OrderBy(fmt.Sprintf("%s %s NULLS LAST", tsCol, order), "r.id").Limit(1)
	return q.ToSql()
}

func (r *repoPG) FindLatest(ctx context.Context, kind SourceKind, l Lookup) (*Record, error) {
	return r.find(ctx, kind, l, "DESC")
}

func (r *repoPG) FindEarliest(ctx context.Context, kind SourceKind, l Lookup) (*Record, error) {
	return r.find(ctx, kind, l, "ASC")
}

func (r *repoPG) find(ctx context.Context, kind SourceKind, l Lookup, order string) (*Record, error) {
	fm, err := r.mappings.For(kind)
	if err != nil {
		return nil, err
	}
	if len(l.Values) == 0 {
		return nil, ErrNotFound
	}
	query, args, err := buildLookup(fm, l, order)
	if err != nil {
		return nil, fmt.Errorf("build %s lookup: %w", kind, err)
	}

	unlock := db.LockConn(ctx)
	defer unlock()

	var rec Record
	var v Visit
	err = r.conn(ctx).QueryRow(ctx, query, args...).Scan(
		&rec.ID, &rec.SubjectID, &rec.Value, &rec.Timestamp,
		&v.ID, &v.VisitCode, &v.Encounter, &v.VisitDatetime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", fm.Table, err)
	}
	rec.Visit = &v
	return &rec, nil
}
