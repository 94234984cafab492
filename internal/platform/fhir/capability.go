package fhir

import "time"

// CapabilityStatement represents the FHIR CapabilityStatement (metadata).
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status"`
	Date           string            `json:"date"`
	Kind           string            `json:"kind"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format"`
	Software       *CSSoftware       `json:"software,omitempty"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	Rest           []CSRest          `json:"rest"`
}

type CSSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode     string       `json:"mode"`
	Resource []CSResource `json:"resource"`
}

type CSResource struct {
	Type        string          `json:"type"`
	Interaction []CSInteraction `json:"interaction,omitempty"`
	SearchParam []CSSearchParam `json:"searchParam,omitempty"`
	Operation   []CSOperation   `json:"operation,omitempty"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

type CSSearchParam struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Documentation string `json:"documentation,omitempty"`
}

type CSOperation struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// NewCapabilityStatement creates the server's capability statement. The
// server is read-only: resources expose operations, not CRUD interactions.
func NewCapabilityStatement(baseURL, version string, resources []CSResource) *CapabilityStatement {
	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format("2006-01-02"),
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Format:       []string{"json"},
		Software:     &CSSoftware{Name: "hivstatus", Version: version},
		Implementation: &CSImplementation{
			Description: "HIV status resolution FHIR R4 endpoint",
			URL:         baseURL,
		},
		Rest: []CSRest{{Mode: "server", Resource: resources}},
	}
}
