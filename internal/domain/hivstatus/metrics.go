package hivstatus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for status resolution.
type Metrics struct {
	LookupLatency *prometheus.HistogramVec
	LookupErrors  *prometheus.CounterVec
	Resolutions   *prometheus.CounterVec
}

// NewMetrics registers the status metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LookupLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hivstatus_source_lookup_duration_seconds",
			Help:    "Duration of repository lookups by source kind",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"source", "found"}),

		LookupErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hivstatus_source_lookup_errors_total",
			Help: "Repository lookups that failed with a hard error",
		}, []string{"source"}),

		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hivstatus_resolutions_total",
			Help: "Resolved statuses by final result",
		}, []string{"result", "newly_positive", "subject_aware"}),
	}
}

func (m *Metrics) observeLookup(kind SourceKind, found bool, d time.Duration) {
	if m == nil {
		return
	}
	m.LookupLatency.WithLabelValues(string(kind), boolLabel(found)).Observe(d.Seconds())
}

func (m *Metrics) incLookupError(kind SourceKind) {
	if m != nil {
		m.LookupErrors.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) incResolution(st *Status) {
	if m == nil {
		return
	}
	result := st.result.Value
	switch {
	case result == "":
		result = "none"
	case !IsResultCode(result):
		result = "other"
	}
	m.Resolutions.WithLabelValues(result, boolLabel(st.newlyPositive), boolLabel(st.subjectAware)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
