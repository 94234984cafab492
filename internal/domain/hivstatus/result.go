package hivstatus

import (
	"time"

	"github.com/google/uuid"
)

// HIV result codes.
const (
	POS = "POS"
	NEG = "NEG"
	IND = "IND"
	UNK = "UNK"
)

// IsResultCode reports whether v is one of the HIV result codes.
func IsResultCode(v string) bool {
	switch v {
	case POS, NEG, IND, UNK:
		return true
	}
	return false
}

// SourceKind names the origin category of a result.
type SourceKind string

const (
	KindTested     SourceKind = "tested"
	KindDocumented SourceKind = "documented"
	KindIndirect   SourceKind = "indirect"
	KindVerbal     SourceKind = "verbal"
	KindPrevious   SourceKind = "previous"
)

// Visit identifies the visit a result was recorded at.
type Visit struct {
	ID            uuid.UUID `json:"id"`
	VisitCode     string    `json:"visit_code"`
	Encounter     int       `json:"encounter"`
	VisitDatetime time.Time `json:"visit_datetime"`
}

// Result is one observed HIV result. The zero value is the empty result.
// Two results are equal when their values are equal as text.
type Result struct {
	Value     string     `json:"value"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Visit     *Visit     `json:"visit,omitempty"`
	Source    SourceKind `json:"source,omitempty"`
	Origin    *uuid.UUID `json:"origin,omitempty"`
}

// NewResult builds a result. An empty value drops the timestamp and visit.
func NewResult(value string, ts *time.Time, visit *Visit, source SourceKind, origin *uuid.UUID) Result {
	if value == "" {
		return Result{Source: source}
	}
	return Result{Value: value, Timestamp: ts, Visit: visit, Source: source, Origin: origin}
}

// Empty returns the empty result attributed to a source.
func Empty(source SourceKind) Result {
	return Result{Source: source}
}

func (r Result) String() string {
	return r.Value
}

// HasValue reports whether any result was observed at all.
func (r Result) HasValue() bool {
	return r.Value != ""
}

// Is compares the value with a result code; the empty result equals "".
func (r Result) Is(code string) bool {
	return r.Value == code
}

// Equal compares two results by value only.
func (r Result) Equal(other Result) bool {
	return r.Value == other.Value
}

// Date returns the calendar date of the timestamp in loc.
func (r Result) Date(loc *time.Location) (time.Time, bool) {
	if r.Timestamp == nil {
		return time.Time{}, false
	}
	return startOfDay(*r.Timestamp, loc), true
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
