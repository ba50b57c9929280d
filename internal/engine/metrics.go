package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors, grounded on the
// teacher's orchestrator.Metrics/MustNewMetrics shape: a component owns
// its own collector set and registers it against an injected
// prometheus.Registerer rather than the global registry. A nil
// *Metrics is valid everywhere below, so Dependencies.Metrics stays
// optional for callers (tests, CLI) that don't need a registry.
type Metrics struct {
	tickTotal           prometheus.Counter
	tickDuration        prometheus.Histogram
	pipelineDuration    *prometheus.HistogramVec
	pipelineFailures    *prometheus.CounterVec
	tasksAwaitingReview prometheus.Gauge
}

// MustNewMetrics registers the engine's collectors on reg, panicking on
// a registration conflict.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tickTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duckling",
			Subsystem: "engine",
			Name:      "tick_total",
			Help:      "Total scheduler ticks run.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "duckling",
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one scheduler tick (review phase plus pending phase).",
		}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "duckling",
			Subsystem: "engine",
			Name:      "pipeline_run_duration_seconds",
			Help:      "Duration of one pending-task pipeline run, labeled by outcome.",
		}, []string{"outcome"}),
		pipelineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duckling",
			Subsystem: "engine",
			Name:      "pipeline_failures_total",
			Help:      "Pipeline runs that ended in a failed task, labeled by the stage the task was in when it failed.",
		}, []string{"stage"}),
		tasksAwaitingReview: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duckling",
			Subsystem: "engine",
			Name:      "tasks_awaiting_review",
			Help:      "Tasks the most recent review phase picked up for review ingestion.",
		}),
	}
	reg.MustRegister(m.tickTotal, m.tickDuration, m.pipelineDuration, m.pipelineFailures, m.tasksAwaitingReview)
	return m
}

func (m *Metrics) recordTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickTotal.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) recordPipelineSuccess(d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDuration.WithLabelValues("success").Observe(d.Seconds())
}

func (m *Metrics) recordPipelineFailure(d time.Duration, stage string) {
	if m == nil {
		return
	}
	m.pipelineDuration.WithLabelValues("failure").Observe(d.Seconds())
	m.pipelineFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) setTasksAwaitingReview(n int) {
	if m == nil {
		return
	}
	m.tasksAwaitingReview.Set(float64(n))
}
