package projects

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records tracker activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	submittedTotal   prometheus.Counter
	rebuildsTotal    prometheus.Counter
	removedTotal     prometheus.Counter
	transitionsTotal *prometheus.CounterVec
	outcomesTotal    *prometheus.CounterVec
	projects         *prometheus.GaugeVec
	droppedEvents    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. pending, when
// non-nil, is exported as the number of scheduled transitions.
func NewMetrics(reg prometheus.Registerer, pending func() int) *Metrics {
	m := &Metrics{
		submittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "githost_projects_submitted_total",
			Help: "Total number of projects submitted",
		}),
		rebuildsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "githost_projects_rebuilds_total",
			Help: "Total number of rebuild requests accepted",
		}),
		removedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "githost_projects_removed_total",
			Help: "Total number of projects removed",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "githost_project_transitions_total",
			Help: "Status transitions by source and target status",
		}, []string{"from", "to"}),
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "githost_build_outcomes_total",
			Help: "Resolved builds by outcome",
		}, []string{"outcome"}),
		projects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "githost_projects",
			Help: "Number of live projects by status",
		}, []string{"status"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "githost_events_dropped_total",
			Help: "Events dropped because the notification queue was full",
		}),
	}

	collectors := []prometheus.Collector{
		m.submittedTotal, m.rebuildsTotal, m.removedTotal,
		m.transitionsTotal, m.outcomesTotal, m.projects, m.droppedEvents,
	}
	if pending != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "githost_scheduler_pending_tasks",
			Help: "Scheduled transitions waiting to fire",
		}, func() float64 { return float64(pending()) }))
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			slog.Warn("metrics: failed to register collector", "error", err)
		}
	}
	return m
}

func (m *Metrics) submitted() {
	if m == nil {
		return
	}
	m.submittedTotal.Inc()
	m.projects.WithLabelValues(string(StatusCloning)).Inc()
}

func (m *Metrics) transition(from, to Status) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	m.projects.WithLabelValues(string(from)).Dec()
	m.projects.WithLabelValues(string(to)).Inc()
	if to == StatusHosted || to == StatusFailed {
		m.outcomesTotal.WithLabelValues(string(to)).Inc()
	}
}

func (m *Metrics) rebuilt() {
	if m == nil {
		return
	}
	m.rebuildsTotal.Inc()
}

func (m *Metrics) removed(s Status) {
	if m == nil {
		return
	}
	m.removedTotal.Inc()
	m.projects.WithLabelValues(string(s)).Dec()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
