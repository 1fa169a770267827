package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the workflow runtime.
type Metrics struct {
	RunsStarted   *prometheus.CounterVec
	RunsCompleted *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	ActiveRuns    *prometheus.GaugeVec

	StepsTotal *prometheus.CounterVec

	EventsDispatched *prometheus.CounterVec
	EventsUnrouted   prometheus.Counter
	QueueDepth       prometheus.Gauge

	RetriesTotal *prometheus.CounterVec
	DLQTotal     *prometheus.CounterVec
	CronFires    *prometheus.CounterVec
	CronCatchUps *prometheus.CounterVec
}

// NewMetrics creates and registers the runtime metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RunsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_runs_started_total",
				Help: "Total number of workflow run attempts started",
			},
			[]string{"function_id"},
		),
		RunsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_runs_completed_total",
				Help: "Total number of workflow runs reaching a terminal state",
			},
			[]string{"function_id", "status"},
		),
		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_run_duration_seconds",
				Help:    "Wall time of workflow run attempts",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"function_id"},
		),
		ActiveRuns: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workflow_active_runs",
				Help: "Number of handler attempts currently executing",
			},
			[]string{"function_id"},
		),
		StepsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_steps_total",
				Help: "Total number of step executions",
			},
			[]string{"function_id", "step", "status"},
		),
		EventsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_events_dispatched_total",
				Help: "Total number of events handed to the runtime",
			},
			[]string{"name"},
		),
		EventsUnrouted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bus_events_unrouted_total",
				Help: "Events accepted by the bus with no registered function",
			},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bus_queue_depth",
				Help: "Number of events waiting in the bus",
			},
		),
		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_retries_total",
				Help: "Total number of run attempts re-scheduled with backoff",
			},
			[]string{"function_id", "kind"},
		),
		DLQTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlq_records_total",
				Help: "Dead-letter records created by outcome",
			},
			[]string{"function_id", "action"},
		),
		CronFires: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cron_fires_total",
				Help: "Cron trigger fires published",
			},
			[]string{"function_id"},
		),
		CronCatchUps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cron_catch_up_total",
				Help: "Missed cron fires published after downtime",
			},
			[]string{"function_id"},
		),
	}
}

// The recording helpers below are nil-safe so tests can run the engine
// without touching the process-global prometheus registry.

// RecordStep records one step execution outcome.
func (m *Metrics) RecordStep(functionID, step, status string) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(functionID, step, status).Inc()
}

// RecordRunStarted counts a handler attempt.
func (m *Metrics) RecordRunStarted(functionID string) {
	if m == nil {
		return
	}
	m.RunsStarted.WithLabelValues(functionID).Inc()
	m.ActiveRuns.WithLabelValues(functionID).Inc()
}

// RecordRunFinished observes an attempt's duration and releases the
// active gauge.
func (m *Metrics) RecordRunFinished(functionID string, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveRuns.WithLabelValues(functionID).Dec()
	m.RunDuration.WithLabelValues(functionID).Observe(seconds)
}

// RecordRunCompleted counts a terminal run outcome.
func (m *Metrics) RecordRunCompleted(functionID, status string) {
	if m == nil {
		return
	}
	m.RunsCompleted.WithLabelValues(functionID, status).Inc()
}

// RecordDispatched counts an event handed to the runtime.
func (m *Metrics) RecordDispatched(name string) {
	if m == nil {
		return
	}
	m.EventsDispatched.WithLabelValues(name).Inc()
}

// RecordUnrouted counts an event with no registered function.
func (m *Metrics) RecordUnrouted() {
	if m == nil {
		return
	}
	m.EventsUnrouted.Inc()
}

// SetQueueDepth publishes the current bus backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordRetry counts a backoff re-schedule.
func (m *Metrics) RecordRetry(functionID, kind string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(functionID, kind).Inc()
}

// RecordDLQ counts a dead-letter outcome.
func (m *Metrics) RecordDLQ(functionID, action string) {
	if m == nil {
		return
	}
	m.DLQTotal.WithLabelValues(functionID, action).Inc()
}

// RecordCronFire counts a cron trigger publish.
func (m *Metrics) RecordCronFire(functionID string, catchUp bool) {
	if m == nil {
		return
	}
	m.CronFires.WithLabelValues(functionID).Inc()
	if catchUp {
		m.CronCatchUps.WithLabelValues(functionID).Inc()
	}
}
