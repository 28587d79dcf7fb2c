package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/rowflow/pkg/canonical"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
)

// nodeStates opens and closes the audit record of each plugin invocation.
type nodeStates struct {
	rc *runContext
}

func (s nodeStates) begin(ctx context.Context, node *graph.Node, token domain.Token, attempt int, inputHash string) (domain.NodeStateOpen, error) {
	open := domain.NodeStateOpen{
		StateID:   newUUID(),
		RunID:     s.rc.runID,
		TokenID:   token.ID,
		NodeID:    node.ID,
		Step:      node.Step,
		Attempt:   attempt,
		InputHash: inputHash,
		StartedAt: s.rc.clock.Now(),
	}
	if err := s.rc.recorder.BeginNodeState(ctx, open); err != nil {
		return domain.NodeStateOpen{}, fmt.Errorf("failed to open node state at %s: %w", node.Name, err)
	}
	return open, nil
}

func (s nodeStates) complete(ctx context.Context, node *graph.Node, open domain.NodeStateOpen, outputHash string) error {
	state := open.Complete(outputHash, s.rc.clock.Now())
	if err := domain.ValidateTerminal(state); err != nil {
		return err
	}
	if err := s.rc.recorder.CompleteNodeState(ctx, state); err != nil {
		return fmt.Errorf("failed to complete node state at %s: %w", node.Name, err)
	}
	s.rc.metrics.RecordNodeExecuted(string(node.Kind), string(domain.NodeStateStatusCompleted), state.Duration)
	return nil
}

func (s nodeStates) fail(ctx context.Context, node *graph.Node, open domain.NodeStateOpen, detail domain.FailureDetail) error {
	state := open.Fail(detail, s.rc.clock.Now())
	if err := domain.ValidateTerminal(state); err != nil {
		return err
	}
	if err := s.rc.recorder.CompleteNodeState(ctx, state); err != nil {
		return fmt.Errorf("failed to fail node state at %s: %w", node.Name, err)
	}
	s.rc.metrics.RecordNodeExecuted(string(node.Kind), string(domain.NodeStateStatusFailed), state.Duration)
	return nil
}

// hashInput hashes data entering a node. Everything entering a node was
// hashed when it left the previous one, so a failure here is corruption.
func hashInput(node *graph.Node, v any) (string, error) {
	h, err := canonical.Hash(v)
	if err != nil {
		return "", fmt.Errorf("%w: input of %s: %w", domain.ErrAuditIntegrity, node.Name, err)
	}
	return h, nil
}

// invoke calls a plugin and turns a returned error or a panic into a
// *domain.PluginError.
func invoke[T any](node *graph.Node, call func() (T, error)) (out T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &domain.PluginError{NodeName: node.Name, Plugin: node.PluginName, Panic: p}
		}
	}()
	out, err = call()
	if err != nil {
		var pe *domain.PluginError
		if !errors.As(err, &pe) {
			err = &domain.PluginError{NodeName: node.Name, Plugin: node.PluginName, Err: err}
		}
	}
	return out, err
}

// retryableStructured carries a retryable ErrorResult through the retry
// manager.
type retryableStructured struct {
	result domain.ErrorResult
}

func (e *retryableStructured) Error() string {
	return fmt.Sprintf("%s: %s", e.result.Reason, e.result.Message)
}

// isRetryable is the predicate used for plugin calls: structured results
// flagged retryable, and raised errors that are neither panics nor engine
// invariant violations.
func isRetryable(err error) bool {
	var rs *retryableStructured
	if errors.As(err, &rs) {
		return true
	}
	if domain.IsFatal(err) {
		return false
	}
	var pe *domain.PluginError
	if errors.As(err, &pe) {
		return pe.Panic == nil
	}
	return false
}

// runWithRetry drives attempt through the node's retry settings. Each
// attempt opens and closes its own node state.
func runWithRetry(ctx context.Context, rc *runContext, node *graph.Node, attempt func(n int) error) error {
	if node.Retry.MaxAttempts <= 1 {
		return attempt(1)
	}
	retry := NewRetryManager(node.Retry, rc.logger,
		WithRetryTimer(rc.settings.RetryTimer),
		WithRetryNotify(func(n int, err error, delay time.Duration) {
			rc.metrics.RecordRetry(node.Name)
			rc.logger.Info("retrying plugin call",
				zap.String("node", node.Name),
				zap.Int("attempt", n),
				zap.Duration("delay", delay),
				zap.Error(err))
		}),
	)
	return retry.ExecuteWithRetry(ctx, attempt, isRetryable)
}

// unwrapStructured converts the error of an exhausted retryable
// ErrorResult back into the structured result.
func unwrapStructured(err error) (domain.ErrorResult, bool) {
	var rs *retryableStructured
	if errors.As(err, &rs) {
		return rs.result, true
	}
	return domain.ErrorResult{}, false
}
