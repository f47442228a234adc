package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics tracks pipeline activity counters. All fields are safe for
// concurrent use; a nil *PipelineMetrics disables collection.
type PipelineMetrics struct {
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	RecordsDrained  prometheus.Counter
	DrainFailures   prometheus.Counter
	Requeued        prometheus.Counter
	DeadLettered    prometheus.Counter
	RecordsDeleted  prometheus.Counter
}

// NewPipelineMetrics creates and registers the pipeline counters on the given
// registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "logstream",
				Name:      "events_published_total",
				Help:      "Log events published to the broker, by level",
			},
			[]string{"level"},
		),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logstream",
			Name:      "events_dropped_total",
			Help:      "Log events lost because the broker was unavailable",
		}),
		RecordsDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logstream",
			Name:      "records_drained_total",
			Help:      "Log records persisted by drain cycles",
		}),
		DrainFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logstream",
			Name:      "drain_failures_total",
			Help:      "Drain cycles that ended in a rollback",
		}),
		Requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logstream",
			Name:      "messages_requeued_total",
			Help:      "Malformed messages returned to the queue for retry",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logstream",
			Name:      "messages_dead_lettered_total",
			Help:      "Messages moved to the dead letter table after repeated parse failures",
		}),
		RecordsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logstream",
			Name:      "records_deleted_total",
			Help:      "Log records removed by purge requests",
		}),
	}

	reg.MustRegister(
		m.EventsPublished,
		m.EventsDropped,
		m.RecordsDrained,
		m.DrainFailures,
		m.Requeued,
		m.DeadLettered,
		m.RecordsDeleted,
	)
	return m
}

func (m *PipelineMetrics) eventPublished(level string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(level).Inc()
}

func (m *PipelineMetrics) eventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *PipelineMetrics) drained(count int) {
	if m == nil {
		return
	}
	m.RecordsDrained.Add(float64(count))
}

func (m *PipelineMetrics) drainFailed() {
	if m == nil {
		return
	}
	m.DrainFailures.Inc()
}

func (m *PipelineMetrics) requeued() {
	if m == nil {
		return
	}
	m.Requeued.Inc()
}

func (m *PipelineMetrics) deadLettered() {
	if m == nil {
		return
	}
	m.DeadLettered.Inc()
}

func (m *PipelineMetrics) deleted(count int64) {
	if m == nil {
		return
	}
	m.RecordsDeleted.Add(float64(count))
}
