package evidence

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Export outcomes recorded on evidence_exports_total.
const (
	OutcomeSuccess     = "success"
	OutcomeDenied      = "denied"
	OutcomeUnavailable = "gate_unavailable"
	OutcomeNotFound    = "not_found"
	OutcomeInvalid     = "invalid_input"
	OutcomeRenderError = "render_failed"
	OutcomeError       = "error"
)

// Metrics contains the Prometheus metrics of the export pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Exports             *prometheus.CounterVec
	ExportDuration      *prometheus.HistogramVec
	Denials             prometheus.Counter
	FetchFailures       *prometheus.CounterVec
	BookkeepingFailures *prometheus.CounterVec
}

// NewMetrics creates the export metrics and registers them with registry.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register evidence metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.Exports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_exports_total",
		Help: "Total number of evidence export requests by format and outcome.",
	}, []string{"format", "outcome"})

	m.ExportDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evidence_export_duration_seconds",
		Help:    "Duration of successful evidence exports in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"format"})

	m.Denials = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evidence_export_denials_total",
		Help: "Total number of exports refused by the compliance gate.",
	})

	m.FetchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_artifact_fetch_failures_total",
		Help: "Total number of non-essential artifact sections omitted after a fetch failure.",
	}, []string{"section"})

	m.BookkeepingFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_bookkeeping_failures_total",
		Help: "Total number of failed export bookkeeping writes.",
	}, []string{"write"})
}

// ObserveExport records the outcome of one export request.
func (m *Metrics) ObserveExport(format Format, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Exports.WithLabelValues(string(format), outcome).Inc()
	if outcome == OutcomeSuccess {
		m.ExportDuration.WithLabelValues(string(format)).Observe(d.Seconds())
	}
	if outcome == OutcomeDenied {
		m.Denials.Inc()
	}
}

func (m *Metrics) IncrementFetchFailures(section string) {
	if m == nil {
		return
	}
	m.FetchFailures.WithLabelValues(section).Inc()
}

func (m *Metrics) IncrementBookkeepingFailures(write string) {
	if m == nil {
		return
	}
	m.BookkeepingFailures.WithLabelValues(write).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Exports.Describe(ch)
	m.ExportDuration.Describe(ch)
	ch <- m.Denials.Desc()
	m.FetchFailures.Describe(ch)
	m.BookkeepingFailures.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Exports.Collect(ch)
	m.ExportDuration.Collect(ch)
	ch <- m.Denials
	m.FetchFailures.Collect(ch)
	m.BookkeepingFailures.Collect(ch)
}
