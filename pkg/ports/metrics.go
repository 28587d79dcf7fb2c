package ports

import (
	"time"

	"github.com/aescanero/rowflow/pkg/domain"
)

// MetricsCollector receives engine and run-manager measurements.
type MetricsCollector interface {
	RecordRunStarted(pipeline string)
	RecordRunCompleted(pipeline string, status domain.RunStatus, duration time.Duration)
	RecordRowProcessed(pipeline string)
	RecordNodeExecuted(nodeKind, status string, duration time.Duration)
	RecordOutcome(kind domain.OutcomeKind)
	RecordRetry(nodeName string)
	RecordWorkerPoolStatus(idle, busy, stopped int)
	SetActiveRuns(count int)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RecordRunStarted(string)                                    {}
func (NopMetrics) RecordRunCompleted(string, domain.RunStatus, time.Duration) {}
func (NopMetrics) RecordRowProcessed(string)                                  {}
func (NopMetrics) RecordNodeExecuted(string, string, time.Duration)           {}
func (NopMetrics) RecordOutcome(domain.OutcomeKind)                           {}
func (NopMetrics) RecordRetry(string)                                         {}
func (NopMetrics) RecordWorkerPoolStatus(int, int, int)                       {}
func (NopMetrics) SetActiveRuns(int)                                          {}
