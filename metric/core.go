package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zonestream"

// Load outcomes recorded by the loader
const (
	LoadOutcomeLoaded   = "loaded"
	LoadOutcomeMissing  = "missing_root"
	LoadOutcomeFailed   = "failed"
	LoadOutcomeAttached = "attached"
	LoadOutcomeResident = "already_resident"
)

// Cycle outcomes recorded by the scheduler
const (
	CycleOutcomeCompleted  = "completed"
	CycleOutcomeTimedOut   = "timed_out"
	CycleOutcomeSuperseded = "superseded"
)

// Metrics contains the zone streaming metrics. All record methods are safe on
// a nil receiver so components can run without a registry.
type Metrics struct {
	ZonesResident  prometheus.Gauge
	ZonesInFlight  prometheus.Gauge
	ZonesWanted    prometheus.Gauge
	LoadsTotal     *prometheus.CounterVec
	UnloadsTotal   prometheus.Counter
	LoadDuration   prometheus.Histogram
	CyclesTotal    *prometheus.CounterVec
	PhaseTimeouts  *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	ObserverPanics prometheus.Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ZonesResident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "zones",
			Name:      "resident",
			Help:      "Number of zones currently resident",
		}),
		ZonesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "zones",
			Name:      "in_flight",
			Help:      "Number of zones with an outstanding load",
		}),
		ZonesWanted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "zones",
			Name:      "wanted",
			Help:      "Number of zones within the neighbor distance of the focal zone",
		}),
		LoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "loads_total",
			Help:      "Zone load requests by outcome",
		}, []string{"outcome"}),
		UnloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "unloads_total",
			Help:      "Total number of zone unloads",
		}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "load_duration_seconds",
			Help:      "Backend load duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Scheduling cycles by outcome",
		}, []string{"outcome"}),
		PhaseTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "phase_timeouts_total",
			Help:      "Load wait phases that hit the wait ceiling",
		}, []string{"phase"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Scheduling cycle duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		ObserverPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "observer_panics_total",
			Help:      "Observer callbacks that panicked and were recovered",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ZonesResident,
		m.ZonesInFlight,
		m.ZonesWanted,
		m.LoadsTotal,
		m.UnloadsTotal,
		m.LoadDuration,
		m.CyclesTotal,
		m.PhaseTimeouts,
		m.CycleDuration,
		m.ObserverPanics,
	}
}

// SetRegistrySizes records resident and in-flight counts
func (m *Metrics) SetRegistrySizes(resident, inFlight int) {
	if m == nil {
		return
	}
	m.ZonesResident.Set(float64(resident))
	m.ZonesInFlight.Set(float64(inFlight))
}

// RecordLoad counts a load request outcome. A positive duration is observed.
func (m *Metrics) RecordLoad(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.LoadDuration.Observe(d.Seconds())
	}
}

// RecordUnload counts an unload
func (m *Metrics) RecordUnload() {
	if m == nil {
		return
	}
	m.UnloadsTotal.Inc()
}

// RecordPhaseTimeout counts a wait phase that hit the ceiling
func (m *Metrics) RecordPhaseTimeout(phase string) {
	if m == nil {
		return
	}
	m.PhaseTimeouts.WithLabelValues(phase).Inc()
}

// RecordCycle counts a finished cycle and its duration
func (m *Metrics) RecordCycle(outcome string, d time.Duration, wanted int) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(d.Seconds())
	if outcome != CycleOutcomeSuperseded {
		m.ZonesWanted.Set(float64(wanted))
	}
}

// RecordObserverPanic counts a recovered observer panic
func (m *Metrics) RecordObserverPanic() {
	if m == nil {
		return
	}
	m.ObserverPanics.Inc()
}
