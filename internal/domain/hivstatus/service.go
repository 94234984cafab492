package hivstatus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Service resolves HIV statuses against a Repository.
type Service struct {
	repo     Repository
	mappings Mappings
	loc      *time.Location
	logger   zerolog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewService creates a status service. loc is the time zone used for
// "start of today" and calendar-date comparisons; nil means UTC.
func NewService(repo Repository, mappings Mappings, loc *time.Location, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:     repo,
		mappings: mappings,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}
}

// SetMetrics attaches optional metrics to the service.
func (s *Service) SetMetrics(m *Metrics) {
	s.metrics = m
}

// SetClock overrides the clock used for literal timestamps and "today".
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Location returns the service time zone.
func (s *Service) Location() *time.Location {
	return s.loc
}

// Stored returns a source that looks the result up in the service repository.
func (s *Service) Stored() Source {
	return FromRepository(s.repo)
}

// ReferenceTime returns the default reference time: start of today.
func (s *Service) ReferenceTime() time.Time {
	return startOfDay(s.now(), s.loc)
}

// Resolve answers q. Missing records never fail the call; an unmapped source
// kind or an unavailable repository does.
func (s *Service) Resolve(ctx context.Context, q Query) (*Status, error) {
	sources := map[SourceKind]Source{
		KindTested:     q.Tested,
		KindDocumented: q.Documented,
		KindIndirect:   q.Indirect,
		KindVerbal:     q.Verbal,
	}
	for kind, src := range sources {
		if !src.IsLookup() {
			continue
		}
		if q.SubjectID == uuid.Nil {
			return nil, fmt.Errorf("%w to look up %s results", ErrSubjectRequired, kind)
		}
		if _, err := s.mappings.For(kind); err != nil {
			return nil, err
		}
	}

	ref := s.ReferenceTime()
	if q.ReferenceTime != nil {
		ref = *q.ReferenceTime
	}
	resultList := normalizeResultList(q.ResultList)
	base := Lookup{
		SubjectID: q.SubjectID,
		Values:    resultList,
		Visit:     NewVisitScope(q.VisitCode, q.Encounter, q.Visit),
	}

	var tested, documented, indirect, verbal, previous Result
	g, gctx := errgroup.WithContext(ctx)
	resolveInto := func(dst *Result, kind SourceKind, src Source) {
		g.Go(func() error {
			r, err := s.resolveSource(gctx, kind, src, base)
			if err != nil {
				return err
			}
			*dst = r
			return nil
		})
	}
	resolveInto(&tested, KindTested, q.Tested)
	resolveInto(&documented, KindDocumented, q.Documented)
	resolveInto(&indirect, KindIndirect, q.Indirect)
	resolveInto(&verbal, KindVerbal, q.Verbal)
	previous = Empty(KindPrevious)
	if q.Tested.IsLookup() {
		g.Go(func() error {
			r, err := s.findPrevious(gctx, q.Tested.repo, base, ref)
			if err != nil {
				return err
			}
			previous = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	previous = dropSameDay(previous, tested, s.loc)
	documented = reconcileDocumented(documented, previous, s.loc)

	st := newStatus(q, ref, resultList, tested, previous, documented, indirect, verbal)
	s.metrics.incResolution(st)
	s.logger.Info().
		Str("subject_id", q.SubjectID.String()).
		Str("visit_code", q.VisitCode).
		Time("reference_time", ref).
		Str("result", st.result.Value).
		Str("result_source", string(st.result.Source)).
		Bool("newly_positive", st.newlyPositive).
		Bool("subject_aware", st.subjectAware).
		Msg("hiv status resolved")
	return st, nil
}

func (s *Service) resolveSource(ctx context.Context, kind SourceKind, src Source, base Lookup) (Result, error) {
	switch src.mode {
	case modeLiteral:
		now := s.now()
		return NewResult(src.value, &now, nil, kind, nil), nil
	case modeWrapped:
		return src.result, nil
	case modeLookup:
		rec, err := s.find(ctx, src.repo, kind, kind, base, src.repo.FindLatest)
		if err != nil || rec == nil {
			return Empty(kind), err
		}
		return fromRecord(rec, kind), nil
	}
	return Empty(kind), nil
}

// findPrevious returns the latest tested result strictly before ref,
// preferring POS over NEG.
func (s *Service) findPrevious(ctx context.Context, repo Repository, base Lookup, ref time.Time) (Result, error) {
	for _, value := range []string{POS, NEG} {
		l := base
		l.Values = []string{value}
		l.Before = &ref
		rec, err := s.find(ctx, repo, KindTested, KindPrevious, l, repo.FindLatest)
		if err != nil {
			return Empty(KindPrevious), err
		}
		if rec != nil {
			return fromRecord(rec, KindPrevious), nil
		}
	}
	return Empty(KindPrevious), nil
}

type findFunc func(ctx context.Context, kind SourceKind, l Lookup) (*Record, error)

// find runs one repository read, turning ErrNotFound into a nil record.
// kind selects the mapping; label names the lookup in logs and metrics.
func (s *Service) find(ctx context.Context, repo Repository, kind, label SourceKind, l Lookup, fn findFunc) (*Record, error) {
	start := time.Now()
	rec, err := fn(ctx, kind, l)
	elapsed := time.Since(start)
	if errors.Is(err, ErrNotFound) {
		rec, err = nil, nil
	}
	if err != nil {
		s.metrics.incLookupError(label)
		s.logger.Error().Err(err).
			Str("source", string(label)).
			Str("subject_id", l.SubjectID.String()).
			Msg("hiv result lookup failed")
		return nil, fmt.Errorf("lookup %s result: %w", label, err)
	}
	s.metrics.observeLookup(label, rec != nil, elapsed)
	s.logger.Debug().
		Str("source", string(label)).
		Str("subject_id", l.SubjectID.String()).
		Bool("found", rec != nil).
		Dur("latency", elapsed).
		Msg("hiv result lookup")
	return rec, nil
}

// FirstPositive returns the earliest POS tested result for a subject.
func (s *Service) FirstPositive(ctx context.Context, subjectID uuid.UUID, scope VisitScope) (Result, error) {
	if subjectID == uuid.Nil {
		return Empty(KindTested), ErrSubjectRequired
	}
	l := Lookup{SubjectID: subjectID, Values: []string{POS}, Visit: scope}
	rec, err := s.find(ctx, s.repo, KindTested, KindTested, l, s.repo.FindEarliest)
	if err != nil || rec == nil {
		return Empty(KindTested), err
	}
	return fromRecord(rec, KindTested), nil
}

func fromRecord(rec *Record, kind SourceKind) Result {
	id := rec.ID
	return NewResult(rec.Value, rec.Timestamp, rec.Visit, kind, &id)
}

// dropSameDay discards a previous result dated on the tested result's day.
func dropSameDay(previous, tested Result, loc *time.Location) Result {
	pd, pok := previous.Date(loc)
	td, tok := tested.Date(loc)
	if pok && tok && pd.Equal(td) {
		return Empty(KindPrevious)
	}
	return previous
}
