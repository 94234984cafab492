package hivstatus

import (
	"time"

	"github.com/ehr/hivstatus/internal/platform/fhir"
)

const (
	loincSystem  = "http://loinc.org"
	snomedSystem = "http://snomed.info/sct"

	extNewlyPositive = "urn:hivstatus:extension:newly-positive"
	extSubjectAware  = "urn:hivstatus:extension:subject-aware"
	extSource        = "urn:hivstatus:extension:result-source"
)

var resultCodings = map[string]fhir.Coding{
	POS: {System: snomedSystem, Code: "10828004", Display: "Positive"},
	NEG: {System: snomedSystem, Code: "260385009", Display: "Negative"},
	IND: {System: snomedSystem, Code: "82334004", Display: "Indeterminate"},
	UNK: {System: snomedSystem, Code: "261665006", Display: "Unknown"},
}

// ToFHIR renders the status as a FHIR Observation.
func (s *Status) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Observation",
		"status":       "unknown",
		"code": fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System:  loincSystem,
				Code:    "75622-1",
				Display: "HIV 1 and 2 tests - Meaning of HIV test",
			}},
		},
		"subject":           fhir.Reference{Reference: fhir.FormatReference("Patient", s.subjectID.String())},
		"effectiveDateTime": s.referenceTime.Format(time.RFC3339),
	}

	newly, aware := s.newlyPositive, s.subjectAware
	extensions := []fhir.Extension{
		{URL: extNewlyPositive, ValueBoolean: &newly},
		{URL: extSubjectAware, ValueBoolean: &aware},
	}

	if s.result.HasValue() {
		result["status"] = "final"
		coding, ok := resultCodings[s.result.Value]
		if !ok {
			coding = fhir.Coding{Code: s.result.Value}
		}
		result["valueCodeableConcept"] = fhir.CodeableConcept{
			Coding: []fhir.Coding{coding},
			Text:   s.result.Value,
		}
		extensions = append(extensions, fhir.Extension{URL: extSource, ValueCode: string(s.result.Source)})
		if s.result.Timestamp != nil {
			result["issued"] = s.result.Timestamp.Format(time.RFC3339)
		}
	} else {
		result["dataAbsentReason"] = fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System: "http://terminology.hl7.org/CodeSystem/data-absent-reason",
				Code:   "unknown",
			}},
		}
	}
	result["extension"] = extensions
	return result
}
