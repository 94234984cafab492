package hivstatus

import "fmt"

// FieldMapping tells the storage layer where a source kind keeps its value
// and timestamp. Visit scoping always goes through the row's visit.
type FieldMapping struct {
	Table           string
	ValueColumn     string
	TimestampColumn string
}

const defaultMappingKey SourceKind = "default"

// Mappings is the per-kind mapping table. Known kinds without their own entry
// fall back to the default entry.
type Mappings map[SourceKind]FieldMapping

// DefaultMappings returns the mapping table for the hiv_result and
// hiv_status_review tables.
func DefaultMappings() Mappings {
	return Mappings{
		defaultMappingKey: {
			Table:           "hiv_result",
			ValueColumn:     "result_value",
			TimestampColumn: "result_datetime",
		},
		KindDocumented: {
			Table:           "hiv_status_review",
			ValueColumn:     "documented_result",
			TimestampColumn: "documented_result_date",
		},
		KindIndirect: {
			Table:           "hiv_status_review",
			ValueColumn:     "indirect_documentation",
			TimestampColumn: "indirect_documentation_date",
		},
		KindVerbal: {
			Table:           "hiv_status_review",
			ValueColumn:     "verbal_result",
			TimestampColumn: "report_datetime",
		},
	}
}

func isKnownKind(kind SourceKind) bool {
	switch kind {
	case KindTested, KindDocumented, KindIndirect, KindVerbal, KindPrevious:
		return true
	}
	return false
}

// For returns the mapping for kind.
func (m Mappings) For(kind SourceKind) (FieldMapping, error) {
	if fm, ok := m[kind]; ok {
		return fm, nil
	}
	if !isKnownKind(kind) {
		return FieldMapping{}, fmt.Errorf("%w: %q", ErrInvalidSourceKind, kind)
	}
	fm, ok := m[defaultMappingKey]
	if !ok {
		return FieldMapping{}, fmt.Errorf("%w: %q has no mapping and no default", ErrInvalidSourceKind, kind)
	}
	return fm, nil
}

// Validate checks every mapping entry is complete.
func (m Mappings) Validate() error {
	for kind, fm := range m {
		if kind != defaultMappingKey && !isKnownKind(kind) {
			return fmt.Errorf("%w: %q", ErrInvalidSourceKind, kind)
		}
		if fm.Table == "" || fm.ValueColumn == "" || fm.TimestampColumn == "" {
			return fmt.Errorf("mapping for %q is incomplete", kind)
		}
	}
	return nil
}
