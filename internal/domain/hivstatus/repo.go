package hivstatus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by a Repository when no row matches a lookup.
	ErrNotFound = errors.New("hiv result not found")
	// ErrInvalidSourceKind signals a source kind missing from the mapping table.
	ErrInvalidSourceKind = errors.New("invalid source kind")
	// ErrSubjectRequired is returned when a lookup is requested without a subject.
	ErrSubjectRequired = errors.New("subject_id is required")
)

// Record is a stored row as seen through a source kind's field mapping.
type Record struct {
	ID        uuid.UUID
	SubjectID uuid.UUID
	Value     string
	Timestamp *time.Time
	Visit     *Visit
}

// VisitScope restricts lookups to a visit. The zero value applies no filter.
type VisitScope struct {
	VisitCode string
	Encounter *int
	VisitID   *uuid.UUID
}

// NewVisitScope picks the narrowest filter the inputs allow: code and
// encounter, else code alone, else the explicit visit, else nothing.
func NewVisitScope(visitCode string, encounter *int, visit *Visit) VisitScope {
	switch {
	case visitCode != "" && encounter != nil:
		e := *encounter
		return VisitScope{VisitCode: visitCode, Encounter: &e}
	case visitCode != "":
		return VisitScope{VisitCode: visitCode}
	case visit != nil:
		id := visit.ID
		return VisitScope{VisitID: &id}
	}
	return VisitScope{}
}

// IsZero reports whether no visit filtering applies.
func (v VisitScope) IsZero() bool {
	return v.VisitCode == "" && v.Encounter == nil && v.VisitID == nil
}

// Lookup is the filter for one repository read.
type Lookup struct {
	SubjectID uuid.UUID
	Values    []string
	Visit     VisitScope
	// Before, when set, is a strict upper bound on the record timestamp.
	Before *time.Time
}

// Repository reads HIV results. Both methods return ErrNotFound when no row
// matches; any other error means the store is unavailable.
// Implementations must allow concurrent reads.
type Repository interface {
	FindLatest(ctx context.Context, kind SourceKind, l Lookup) (*Record, error)
	FindEarliest(ctx context.Context, kind SourceKind, l Lookup) (*Record, error)
}
