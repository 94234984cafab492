package hivstatus

type sourceMode int

const (
	modeAbsent sourceMode = iota
	modeLiteral
	modeWrapped
	modeLookup
)

// Source is the raw input for one source kind: absent, a literal result code,
// an already built Result, or a repository to look the result up in.
// The zero value is absent.
type Source struct {
	mode   sourceMode
	value  string
	result Result
	repo   Repository
}

// Absent returns a source that resolves to the empty result without a lookup.
func Absent() Source {
	return Source{}
}

// Literal wraps a final result code. An empty code is treated as absent.
func Literal(value string) Source {
	if value == "" {
		return Source{}
	}
	return Source{mode: modeLiteral, value: value}
}

// Wrapped passes a prebuilt result through unchanged.
func Wrapped(r Result) Source {
	return Source{mode: modeWrapped, result: r}
}

// FromRepository resolves the source by querying repo for the latest qualifying record.
func FromRepository(repo Repository) Source {
	if repo == nil {
		return Source{}
	}
	return Source{mode: modeLookup, repo: repo}
}

// IsAbsent reports whether no input was given.
func (s Source) IsAbsent() bool {
	return s.mode == modeAbsent
}

// IsLookup reports whether the source is a repository handle.
func (s Source) IsLookup() bool {
	return s.mode == modeLookup
}
