package hivstatus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Query describes one point-in-time status question for a subject.
type Query struct {
	SubjectID uuid.UUID
	VisitCode string
	Encounter *int
	Visit     *Visit
	// ReferenceTime defaults to the start of today in the service time zone.
	ReferenceTime *time.Time
	// ResultList is the set of values a lookup may return. It always ends up
	// containing POS; see normalizeResultList.
	ResultList    []string
	Tested        Source
	Documented    Source
	Indirect      Source
	Verbal        Source
	IncludeVerbal bool
}

// Status is the resolved HIV status of a subject at a reference time.
// It is immutable; a different question needs a new Status.
type Status struct {
	subjectID     uuid.UUID
	visitCode     string
	encounter     *int
	referenceTime time.Time
	resultList    []string

	tested     Result
	previous   Result
	documented Result
	indirect   Result
	verbal     Result
	result     Result

	newlyPositive bool
	subjectAware  bool
}

func newStatus(q Query, ref time.Time, resultList []string, tested, previous, documented, indirect, verbal Result) *Status {
	st := &Status{
		subjectID:     q.SubjectID,
		visitCode:     q.VisitCode,
		encounter:     q.Encounter,
		referenceTime: ref,
		resultList:    resultList,
		tested:        tested,
		previous:      previous,
		documented:    documented,
		indirect:      indirect,
		verbal:        verbal,
	}
	st.result = Merge(tested, documented, indirect, verbal, q.IncludeVerbal)
	st.newlyPositive = NewlyPositive(tested, documented, indirect)
	st.subjectAware = SubjectAware(tested, documented, indirect)
	return st
}

func (s *Status) SubjectID() uuid.UUID { return s.subjectID }
func (s *Status) VisitCode() string { return s.visitCode }
func (s *Status) ReferenceTime() time.Time { return s.referenceTime }
func (s *Status) ResultList() []string { return append([]string(nil), s.resultList...) }
func (s *Status) Result() Result { return s.result }
func (s *Status) Tested() Result { return s.tested }
func (s *Status) Previous() Result { return s.previous }
func (s *Status) Documented() Result { return s.documented }
func (s *Status) Indirect() Result { return s.indirect }
func (s *Status) Verbal() Result { return s.verbal }
func (s *Status) NewlyPositive() bool { return s.newlyPositive }
func (s *Status) SubjectAware() bool { return s.subjectAware }
func (s *Status) Is(code string) bool { return s.result.Is(code) }
func (s *Status) String() string { return s.result.Value }
func (s *Status) Encounter() (int, bool) {
	if s.encounter == nil {
		return 0, false
	}
	return *s.encounter, true
}

type statusJSON struct {
	SubjectID     uuid.UUID `json:"subject_id"`
	VisitCode     string    `json:"visit_code,omitempty"`
	Encounter     *int      `json:"encounter,omitempty"`
	ReferenceTime time.Time `json:"reference_time"`
	ResultList    []string  `json:"result_list"`
	Result        Result    `json:"result"`
	Tested        Result    `json:"tested"`
	Previous      Result    `json:"previous"`
	Documented    Result    `json:"documented"`
	Indirect      Result    `json:"indirect"`
	Verbal        Result    `json:"verbal"`
	NewlyPositive bool      `json:"newly_positive"`
	SubjectAware  bool      `json:"subject_aware"`
}

func (s *Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusJSON{
		SubjectID:     s.subjectID,
		VisitCode:     s.visitCode,
		Encounter:     s.encounter,
		ReferenceTime: s.referenceTime,
		ResultList:    s.resultList,
		Result:        s.result,
		Tested:        s.tested,
		Previous:      s.previous,
		Documented:    s.documented,
		Indirect:      s.indirect,
		Verbal:        s.verbal,
		NewlyPositive: s.newlyPositive,
		SubjectAware:  s.subjectAware,
	})
}

// normalizeResultList returns the values a lookup may match. A list naming
// POS narrows to POS alone; any other list gets POS added.
func normalizeResultList(list []string) []string {
	out := make([]string, 0, len(list)+1)
	seen := map[string]bool{}
	for _, v := range list {
		if v == POS {
			return []string{POS}
		}
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return append(out, POS)
}
