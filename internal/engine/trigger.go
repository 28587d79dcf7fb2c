package engine

import (
	"fmt"
	"time"

	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/expression"
	"github.com/aescanero/rowflow/pkg/graph"
)

// FlushDecision is the answer of a trigger evaluation.
type FlushDecision struct {
	Flush   bool
	Trigger domain.TriggerType
	Reason  string
}

// TriggerEvaluator decides when an aggregation batch flushes. It is owned
// by one aggregation node of one run.
type TriggerEvaluator struct {
	settings    graph.TriggerSettings
	condition   *expression.Condition
	clock       Clock
	count       int
	firstAccept time.Time
}

// NewTriggerEvaluator creates an evaluator. condition may be nil.
func NewTriggerEvaluator(settings graph.TriggerSettings, condition *expression.Condition, clock Clock) *TriggerEvaluator {
	return &TriggerEvaluator{settings: settings, condition: condition, clock: clock}
}

// RecordAccept notes that one more token entered the batch.
func (t *TriggerEvaluator) RecordAccept() {
	if t.count == 0 {
		t.firstAccept = t.clock.Now()
	}
	t.count++
}

// Count is the number of tokens accepted since the last reset.
func (t *TriggerEvaluator) Count() int { return t.count }

// Elapsed is the time since the first accepted token, or zero when empty.
func (t *TriggerEvaluator) Elapsed() time.Duration {
	if t.count == 0 {
		return 0
	}
	return t.clock.Now().Sub(t.firstAccept)
}

// ShouldFlush checks the count, timeout and condition triggers in that
// order. An empty batch never flushes.
func (t *TriggerEvaluator) ShouldFlush() (FlushDecision, error) {
	if t.count == 0 {
		return FlushDecision{}, nil
	}

	if t.settings.Count > 0 && t.count >= t.settings.Count {
		return FlushDecision{
			Flush:   true,
			Trigger: domain.TriggerCount,
			Reason:  fmt.Sprintf("count %d reached %d", t.count, t.settings.Count),
		}, nil
	}

	elapsed := t.Elapsed()
	if t.settings.Timeout > 0 && elapsed >= t.settings.Timeout {
		return FlushDecision{
			Flush:   true,
			Trigger: domain.TriggerTimeout,
			Reason:  fmt.Sprintf("elapsed %s reached %s", elapsed, t.settings.Timeout),
		}, nil
	}

	if t.condition != nil {
		ok, err := t.condition.EvaluateBool(expression.TriggerValues(t.count, elapsed.Seconds()))
		if err != nil {
			return FlushDecision{}, fmt.Errorf("trigger condition: %w", err)
		}
		if ok {
			return FlushDecision{
				Flush:   true,
				Trigger: domain.TriggerCondition,
				Reason:  t.condition.Source(),
			}, nil
		}
	}
	return FlushDecision{}, nil
}

// Restore re-seeds the evaluator from a checkpoint: count accepted tokens,
// the first of which arrived elapsed ago.
func (t *TriggerEvaluator) Restore(count int, elapsed time.Duration) {
	t.count = count
	if count == 0 {
		t.firstAccept = time.Time{}
		return
	}
	t.firstAccept = t.clock.Now().Add(-elapsed)
}

// Reset empties the evaluator after a flush.
func (t *TriggerEvaluator) Reset() {
	t.count = 0
	t.firstAccept = time.Time{}
}
