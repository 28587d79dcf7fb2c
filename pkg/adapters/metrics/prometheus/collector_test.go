package prometheus

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/ports"
)

var _ ports.MetricsCollector = (*Collector)(nil)

func TestCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRunStarted("orders")
	c.RecordRowProcessed("orders")
	c.RecordRowProcessed("orders")
	c.RecordOutcome(domain.OutcomeSucceeded)
	c.RecordRetry("enrich")
	c.RecordRunCompleted("orders", domain.RunStatusCompleted, 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsStarted.WithLabelValues("orders")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.rowsProcessed.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outcomes.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries.WithLabelValues("enrich")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsCompleted.WithLabelValues("orders", "completed")))
}

func TestCollector_Gauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordWorkerPoolStatus(3, 1, 0)
	c.SetActiveRuns(1)

	expected := `
# HELP rowflow_worker_pool_busy Number of busy workers
# TYPE rowflow_worker_pool_busy gauge
rowflow_worker_pool_busy 1
# HELP rowflow_worker_pool_idle Number of idle workers
# TYPE rowflow_worker_pool_idle gauge
rowflow_worker_pool_idle 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"rowflow_worker_pool_busy", "rowflow_worker_pool_idle"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeRuns))
}

func TestCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}
