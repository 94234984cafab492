package hivstatus

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/hivstatus/internal/platform/auth"
	"github.com/ehr/hivstatus/internal/platform/fhir"
)

type Handler struct {
	svc *Service
	// verbal is the include_verbal value used when a request leaves it out.
	verbal bool
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// SetVerbalDefault sets whether self-reported results count when the
// caller does not say.
func (h *Handler) SetVerbalDefault(include bool) {
	h.verbal = include
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.ClinicalRoles...))
	read.POST("/hiv-status/resolve", h.Resolve)
	read.GET("/subjects/:subject_id/hiv-status", h.GetStatus)
	read.GET("/subjects/:subject_id/hiv-status/first-positive", h.GetFirstPositive)

	fhirRead := fhirGroup.Group("", auth.RequireRole(auth.ClinicalRoles...), auth.RequireScope("Observation", "read"))
	fhirRead.GET("/Observation/$hiv-status", h.GetStatusFHIR)
}

// Capability describes the FHIR surface for the server's CapabilityStatement.
func (h *Handler) Capability() fhir.CSResource {
	return fhir.CSResource{
		Type: "Observation",
		SearchParam: []fhir.CSSearchParam{
			{Name: "subject", Type: "reference", Documentation: "Patient whose status is resolved"},
			{Name: "visit_code", Type: "string"},
			{Name: "encounter", Type: "number"},
			{Name: "as_of", Type: "date"},
		},
		Operation: []fhir.CSOperation{
			{Name: "hiv-status", Definition: "urn:hivstatus:operation:hiv-status"},
		},
	}
}

// SourceInput is the wire form of one source. At most one field may be set;
// none means absent.
type SourceInput struct {
	Literal string  `json:"literal,omitempty"`
	Result  *Result `json:"result,omitempty"`
	Lookup  bool    `json:"lookup,omitempty"`
}

func (in *SourceInput) source(stored Source) (Source, error) {
	if in == nil {
		return Absent(), nil
	}
	set := 0
	if in.Literal != "" {
		set++
	}
	if in.Result != nil {
		set++
	}
	if in.Lookup {
		set++
	}
	switch {
	case set > 1:
		return Source{}, errors.New("only one of literal, result or lookup may be given")
	case in.Literal != "":
		if !IsResultCode(in.Literal) {
			return Source{}, fmt.Errorf("unknown result code %q", in.Literal)
		}
		return Literal(in.Literal), nil
	case in.Result != nil:
		r := in.Result
		if r.Value != "" && !IsResultCode(r.Value) {
			return Source{}, fmt.Errorf("unknown result code %q", r.Value)
		}
		// Rebuilt so an empty value carries no timestamp or visit.
		return Wrapped(NewResult(r.Value, r.Timestamp, r.Visit, r.Source, r.Origin)), nil
	case in.Lookup:
		return stored, nil
	}
	return Absent(), nil
}

// ResolveRequest is the body of POST /hiv-status/resolve.
type ResolveRequest struct {
	SubjectID     uuid.UUID    `json:"subject_id"`
	VisitCode     string       `json:"visit_code,omitempty"`
	Encounter     *int         `json:"encounter,omitempty"`
	Visit         *Visit       `json:"visit,omitempty"`
	ReferenceTime *time.Time   `json:"reference_time,omitempty"`
	ResultList    []string     `json:"result_list,omitempty"`
	IncludeVerbal *bool        `json:"include_verbal,omitempty"`
	Tested        *SourceInput `json:"tested,omitempty"`
	Documented    *SourceInput `json:"documented,omitempty"`
	Indirect      *SourceInput `json:"indirect,omitempty"`
	Verbal        *SourceInput `json:"verbal,omitempty"`
}

func (r *ResolveRequest) query(stored Source, verbal bool) (Query, error) {
	if r.IncludeVerbal != nil {
		verbal = *r.IncludeVerbal
	}
	q := Query{
		SubjectID:     r.SubjectID,
		VisitCode:     r.VisitCode,
		Encounter:     r.Encounter,
		Visit:         r.Visit,
		ReferenceTime: r.ReferenceTime,
		ResultList:    r.ResultList,
		IncludeVerbal: verbal,
	}
	var err error
	if q.Tested, err = r.Tested.source(stored); err != nil {
		return q, errors.New("tested: " + err.Error())
	}
	if q.Documented, err = r.Documented.source(stored); err != nil {
		return q, errors.New("documented: " + err.Error())
	}
	if q.Indirect, err = r.Indirect.source(stored); err != nil {
		return q, errors.New("indirect: " + err.Error())
	}
	if q.Verbal, err = r.Verbal.source(stored); err != nil {
		return q, errors.New("verbal: " + err.Error())
	}
	return q, nil
}

func (h *Handler) Resolve(c echo.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	q, err := req.query(h.svc.Stored(), h.verbal)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st, err := h.svc.Resolve(c.Request().Context(), q)
	if err != nil {
		return resolveError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetStatus(c echo.Context) error {
	subjectID, err := uuid.Parse(c.Param("subject_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid subject_id")
	}
	q, err := h.storedQuery(c, subjectID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st, err := h.svc.Resolve(c.Request().Context(), q)
	if err != nil {
		return resolveError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetFirstPositive(c echo.Context) error {
	subjectID, err := uuid.Parse(c.Param("subject_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid subject_id")
	}
	encounter, err := parseEncounter(c.QueryParam("encounter"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	scope := NewVisitScope(c.QueryParam("visit_code"), encounter, nil)
	r, err := h.svc.FirstPositive(c.Request().Context(), subjectID, scope)
	if err != nil {
		return resolveError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// GetStatusFHIR handles GET /fhir/Observation/$hiv-status?subject=<id>.
func (h *Handler) GetStatusFHIR(c echo.Context) error {
	ref := strings.TrimPrefix(c.QueryParam("subject"), "Patient/")
	subjectID, err := uuid.Parse(ref)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("subject", "subject parameter must be a Patient id"))
	}
	q, err := h.storedQuery(c, subjectID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("query", err.Error()))
	}
	st, err := h.svc.Resolve(c.Request().Context(), q)
	if err != nil {
		if errors.Is(err, ErrInvalidSourceKind) {
			return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
		}
		return c.JSON(http.StatusServiceUnavailable, fhir.TransientOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, st.ToFHIR())
}

// storedQuery builds a query where every source is looked up in storage.
func (h *Handler) storedQuery(c echo.Context, subjectID uuid.UUID) (Query, error) {
	encounter, err := parseEncounter(c.QueryParam("encounter"))
	if err != nil {
		return Query{}, err
	}
	stored := h.svc.Stored()
	q := Query{
		SubjectID:     subjectID,
		VisitCode:     c.QueryParam("visit_code"),
		Encounter:     encounter,
		IncludeVerbal: h.verbal,
		Tested:        stored,
		Documented:    stored,
		Indirect:      stored,
		Verbal:        stored,
	}
	if v := c.QueryParam("as_of"); v != "" {
		ref, err := ParseReferenceTime(v, h.svc.Location())
		if err != nil {
			return Query{}, err
		}
		q.ReferenceTime = &ref
	}
	if v := c.QueryParam("include_verbal"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Query{}, errors.New("invalid include_verbal")
		}
		q.IncludeVerbal = b
	}
	if v := c.QueryParam("result_list"); v != "" {
		for _, code := range strings.Split(v, ",") {
			q.ResultList = append(q.ResultList, strings.ToUpper(strings.TrimSpace(code)))
		}
	}
	return q, nil
}

func parseEncounter(v string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, errors.New("invalid encounter")
	}
	return &n, nil
}

// ParseReferenceTime accepts RFC3339 or a plain date, which means the start of
// that day in loc.
func ParseReferenceTime(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return time.Time{}, errors.New("invalid as_of: use RFC3339 or YYYY-MM-DD")
	}
	return t, nil
}

func resolveError(err error) error {
	if errors.Is(err, ErrInvalidSourceKind) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if errors.Is(err, ErrSubjectRequired) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
}
