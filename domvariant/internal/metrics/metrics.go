// Package metrics exposes plugin events as Prometheus counters.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/abdom/domvariant/event"
)

// Metrics is a sink counting events on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	changes      *prometheus.CounterVec
	exposures    *prometheus.CounterVec
	placeholders prometheus.Counter
	previews     *prometheus.HistogramVec
}

// New registers the abdom collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		changes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abdom_change_events_total",
			Help: "Change lifecycle events by outcome and change kind",
		}, []string{"type", "kind"}),
		exposures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abdom_exposures_total",
			Help: "Exposure recordings by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		placeholders: f.NewCounter(prometheus.CounterOpts{
			Name: "abdom_placeholders_total",
			Help: "Placeholders inserted for other variants' moves",
		}),
		previews: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "abdom_preview_duration_seconds",
			Help:    "Preview render duration by geometry",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"geometry"}),
	}
}

func (m *Metrics) Send(_ context.Context, ev event.Event) error {
	switch ev.Type {
	case event.TypeExposure:
		outcome := "recorded"
		if ev.Error != "" {
			outcome = "failed"
		}
		m.exposures.WithLabelValues(string(ev.Trigger), outcome).Inc()
	case event.TypePlaceholder:
		m.placeholders.Inc()
	default:
		m.changes.WithLabelValues(string(ev.Type), ev.Kind).Inc()
	}
	return nil
}

func (m *Metrics) Close() error { return nil }

// ObservePreview records how long a preview took.
func (m *Metrics) ObservePreview(geometry string, seconds float64) {
	m.previews.WithLabelValues(geometry).Observe(seconds)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
