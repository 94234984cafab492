package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hivstatus/internal/domain/hivstatus"
)

var errInvalidGender = errors.New("gender must be M or F")

// Request asks for the referral of one subject visit. Every HIV source is
// looked up in storage.
type Request struct {
	SubjectID     uuid.UUID  `json:"subject_id"`
	VisitCode     string     `json:"visit_code,omitempty"`
	Encounter     *int       `json:"encounter,omitempty"`
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
	IncludeVerbal *bool      `json:"include_verbal,omitempty"`
	Facts
}

// Outcome pairs the referral with the status it was computed from.
type Outcome struct {
	Referral
	Status *hivstatus.Status `json:"hiv_status"`
}

type Service struct {
	statuses  *hivstatus.Service
	evaluator *Evaluator
	logger    zerolog.Logger
	verbal    bool
}

func NewService(statuses *hivstatus.Service, evaluator *Evaluator, logger zerolog.Logger) *Service {
	return &Service{statuses: statuses, evaluator: evaluator, logger: logger}
}

// SetVerbalDefault sets include_verbal for requests that leave it out.
func (s *Service) SetVerbalDefault(include bool) {
	s.verbal = include
}

func (s *Service) Evaluate(ctx context.Context, req Request) (*Outcome, error) {
	if req.SubjectID == uuid.Nil {
		return nil, hivstatus.ErrSubjectRequired
	}
	if req.Gender != genderMale && req.Gender != genderFemale {
		return nil, errInvalidGender
	}
	verbal := s.verbal
	if req.IncludeVerbal != nil {
		verbal = *req.IncludeVerbal
	}
	stored := s.statuses.Stored()
	st, err := s.statuses.Resolve(ctx, hivstatus.Query{
		SubjectID:     req.SubjectID,
		VisitCode:     req.VisitCode,
		Encounter:     req.Encounter,
		ReferenceTime: req.ReferenceTime,
		IncludeVerbal: verbal,
		Tested:        stored,
		Documented:    stored,
		Indirect:      stored,
		Verbal:        stored,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve hiv status: %w", err)
	}
	ref, err := s.evaluator.Evaluate(st, req.Facts)
	if err != nil {
		s.logger.Error().Err(err).Str("subject_id", req.SubjectID.String()).Msg("referral rejected")
		return nil, err
	}
	s.logger.Info().
		Str("subject_id", req.SubjectID.String()).
		Str("referral_code", ref.Code).
		Bool("urgent", ref.Urgent).
		Msg("referral evaluated")
	return &Outcome{Referral: ref, Status: st}, nil
}
