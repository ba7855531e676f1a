package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jasonkneen/curator/pkg/types"
)

// Metrics exposes run progress as Prometheus series. Safe for
// concurrent use.
type Metrics struct {
	eventsTotal  *prometheus.CounterVec
	rowsQueued   *prometheus.GaugeVec
	rowsInFlight *prometheus.GaugeVec
	tokensTotal  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a collector on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := newMetricsWith(registry)
	m.registry = registry
	return m
}

func newMetricsWith(registry prometheus.Registerer) *Metrics {
	return &Metrics{
		eventsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "curator_events_total",
				Help: "Total dispatcher state transitions by event kind",
			},
			[]string{"run", "event"},
		),
		rowsQueued: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "curator_rows_queued",
				Help: "Number of rows entering the run",
			},
			[]string{"run"},
		),
		rowsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "curator_rows_in_flight",
				Help: "Number of rows currently in flight",
			},
			[]string{"run"},
		),
		tokensTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "curator_tokens_total",
				Help: "Total tokens consumed as reported by providers",
			},
			[]string{"run", "direction"},
		),
	}
}

// Registry returns the collector's registry for mounting on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordEvent(run, event string) {
	m.eventsTotal.WithLabelValues(run, event).Inc()
}

func (m *Metrics) SetQueued(run string, n int) {
	m.rowsQueued.WithLabelValues(run).Set(float64(n))
}

func (m *Metrics) SetInFlight(run string, n int) {
	m.rowsInFlight.WithLabelValues(run).Set(float64(n))
}

func (m *Metrics) AddTokens(run string, u types.TokenUsage) {
	m.tokensTotal.WithLabelValues(run, "prompt").Add(float64(u.Prompt))
	m.tokensTotal.WithLabelValues(run, "completion").Add(float64(u.Completion))
}
