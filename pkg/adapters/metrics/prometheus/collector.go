package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aescanero/rowflow/pkg/domain"
)

const namespace = "rowflow"

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	runsStarted       *prometheus.CounterVec
	runsCompleted     *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	rowsProcessed     *prometheus.CounterVec
	nodesExecuted     *prometheus.CounterVec
	nodeDuration      *prometheus.HistogramVec
	outcomes          *prometheus.CounterVec
	retries           *prometheus.CounterVec
	activeRuns        prometheus.Gauge
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
}

// NewCollector registers the collector's metrics with reg. A nil reg uses
// the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		runsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of pipeline runs started",
			},
			[]string{"pipeline"},
		),
		runsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of pipeline runs finished, by final status",
			},
			[]string{"pipeline", "status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Pipeline run duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"pipeline"},
		),
		rowsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_processed_total",
				Help:      "Total number of source rows entering a pipeline",
			},
			[]string{"pipeline"},
		),
		nodesExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_executed_total",
				Help:      "Total number of node executions",
			},
			[]string{"node_kind", "status"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Node execution duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"node_kind"},
		),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_outcomes_total",
				Help:      "Total number of recorded token outcomes",
			},
			[]string{"outcome"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_retries_total",
				Help:      "Total number of node retries",
			},
			[]string{"node"},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of currently active runs",
			},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_idle",
				Help:      "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_busy",
				Help:      "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_stopped",
				Help:      "Number of stopped workers",
			},
		),
	}
}

// RecordRunStarted counts a run start
func (c *Collector) RecordRunStarted(pipeline string) {
	c.runsStarted.WithLabelValues(pipeline).Inc()
}

// RecordRunCompleted counts a finished run and observes its duration
func (c *Collector) RecordRunCompleted(pipeline string, status domain.RunStatus, duration time.Duration) {
	c.runsCompleted.WithLabelValues(pipeline, string(status)).Inc()
	c.runDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
}

func (c *Collector) RecordRowProcessed(pipeline string) {
	c.rowsProcessed.WithLabelValues(pipeline).Inc()
}

// RecordNodeExecuted counts a node execution and observes its duration
func (c *Collector) RecordNodeExecuted(nodeKind, status string, duration time.Duration) {
	c.nodesExecuted.WithLabelValues(nodeKind, status).Inc()
	c.nodeDuration.WithLabelValues(nodeKind).Observe(duration.Seconds())
}

func (c *Collector) RecordOutcome(kind domain.OutcomeKind) {
	c.outcomes.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) RecordRetry(nodeName string) {
	c.retries.WithLabelValues(nodeName).Inc()
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// SetActiveRuns sets the number of currently active runs
func (c *Collector) SetActiveRuns(count int) {
	c.activeRuns.Set(float64(count))
}
