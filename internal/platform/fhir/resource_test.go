package fhir

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCoding_JSON(t *testing.T) {
	c := Coding{System: "http://loinc.org", Code: "75622-1", Display: "HIV 1 and 2 tests"}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"system":"http://loinc.org"`) || !strings.Contains(s, `"code":"75622-1"`) {
		t.Errorf("unexpected JSON %s", s)
	}
}

func TestCodeableConcept_OmitsEmpty(t *testing.T) {
	data, _ := json.Marshal(CodeableConcept{Text: "POS"})
	if string(data) != `{"text":"POS"}` {
		t.Errorf("unexpected JSON %s", data)
	}
}

func TestExtension_Boolean(t *testing.T) {
	v := false
	data, _ := json.Marshal(Extension{URL: "urn:x", ValueBoolean: &v})
	if string(data) != `{"url":"urn:x","valueBoolean":false}` {
		t.Errorf("unexpected JSON %s", data)
	}
}

func TestFormatReference(t *testing.T) {
	if got := FormatReference("Patient", "abc"); got != "Patient/abc" {
		t.Errorf("expected Patient/abc, got %s", got)
	}
}

func TestOutcomes(t *testing.T) {
	tests := []struct {
		name string
		o    *OperationOutcome
		code string
	}{
		{"error", ErrorOutcome("boom"), "processing"},
		{"invalid", InvalidOutcome("subject", "bad subject"), "invalid"},
		{"transient", TransientOutcome("db down"), "transient"},
		{"not found", NotFoundOutcome("Patient", "1"), "not-found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.o.ResourceType != "OperationOutcome" {
				t.Errorf("expected OperationOutcome, got %s", tt.o.ResourceType)
			}
			if len(tt.o.Issue) != 1 || tt.o.Issue[0].Code != tt.code || tt.o.Issue[0].Severity != "error" {
				t.Errorf("unexpected issue %+v", tt.o.Issue)
			}
		})
	}

	inv := InvalidOutcome("subject", "bad subject")
	if len(inv.Issue[0].Expression) != 1 || inv.Issue[0].Expression[0] != "subject" {
		t.Errorf("expected expression subject, got %v", inv.Issue[0].Expression)
	}
	if NotFoundOutcome("Patient", "1").Issue[0].Diagnostics != "Patient/1 not found" {
		t.Error("unexpected not-found diagnostics")
	}
}

func TestNewCapabilityStatement(t *testing.T) {
	cs := NewCapabilityStatement("http://localhost:8000/fhir", "1.0.0", []CSResource{
		{Type: "Observation", Operation: []CSOperation{{Name: "hiv-status", Definition: "urn:op"}}},
	})
	if cs.ResourceType != "CapabilityStatement" || cs.FHIRVersion != "4.0.1" {
		t.Errorf("unexpected header %+v", cs)
	}
	if cs.Software == nil || cs.Software.Version != "1.0.0" {
		t.Errorf("unexpected software %+v", cs.Software)
	}
	if len(cs.Rest) != 1 || cs.Rest[0].Mode != "server" || cs.Rest[0].Resource[0].Type != "Observation" {
		t.Errorf("unexpected rest %+v", cs.Rest)
	}
	data, _ := json.Marshal(cs)
	if strings.Contains(string(data), `"interaction"`) {
		t.Error("read-only resources should not list interactions")
	}
}
