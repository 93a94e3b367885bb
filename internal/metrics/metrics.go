// Package metrics exposes the service counters to Prometheus. A nil *Metrics
// is valid and records nothing, so components can be built without it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	writes        *prometheus.CounterVec
	writeDuration *prometheus.HistogramVec
	plots         prometheus.Gauge
	landEvents    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmer",
			Subsystem: "storage",
			Name:      "writes_total",
			Help:      "Plot storage writes by kind and outcome (enqueued, ok, failed, dropped).",
		}, []string{"kind", "outcome"}),
		writeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "farmer",
			Subsystem: "storage",
			Name:      "write_duration_seconds",
			Help:      "Time spent executing one storage write.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"kind"}),
		plots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "farmer",
			Name:      "plots",
			Help:      "Plots currently registered in memory.",
		}),
		landEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmer",
			Subsystem: "land",
			Name:      "events_total",
			Help:      "Land plugin events by type and outcome code.",
		}, []string{"type", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.writes, m.writeDuration, m.plots, m.landEvents)
	}
	return m
}

func (m *Metrics) Write(kind, outcome string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) WriteDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.writeDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetPlots(n int) {
	if m == nil {
		return
	}
	m.plots.Set(float64(n))
}

func (m *Metrics) LandEvent(typ, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.landEvents.WithLabelValues(typ, outcome).Inc()
}
