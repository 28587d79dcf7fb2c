package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/rowflow/pkg/canonical"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
)

// TransformExecution is the result of running a transform node. Result is
// a RowSuccess, a MultiRowSuccess or an ErrorResult.
type TransformExecution struct {
	Result           domain.TransformResult
	StateID          string
	Attempts         int
	RetriesExhausted bool
}

// TransformExecutor runs transform plugins with auditing and retries.
type TransformExecutor struct {
	rc     *runContext
	states nodeStates
}

func newTransformExecutor(rc *runContext) *TransformExecutor {
	return &TransformExecutor{rc: rc, states: nodeStates{rc: rc}}
}

// Execute runs node's transform on token. A returned error is either a
// raised plugin failure (*domain.PluginError, possibly inside a
// *domain.MaxRetriesExceededError) or a fatal engine error.
func (e *TransformExecutor) Execute(ctx context.Context, node *graph.Node, token domain.Token) (TransformExecution, error) {
	inputHash, err := hashInput(node, token.Data)
	if err != nil {
		return TransformExecution{}, err
	}

	var exec TransformExecution
	attempt := func(n int) error {
		exec.Attempts = n
		open, err := e.states.begin(ctx, node, token, n, inputHash)
		if err != nil {
			return err
		}
		exec.StateID = open.StateID

		pctx := e.rc.pluginContext(node, token, open.StateID, n)
		res, err := invoke(node, func() (domain.TransformResult, error) {
			return node.Transform.Process(ctx, token.Data.Clone(), pctx)
		})
		if err != nil {
			return e.failRaised(ctx, node, open, err)
		}

		switch r := res.(type) {
		case domain.RowSuccess:
			out, err := canonical.Hash(r.Row)
			if err != nil {
				return e.failRaised(ctx, node, open, &domain.PluginError{NodeName: node.Name, Plugin: node.PluginName, Err: fmt.Errorf("unhashable output: %w", err)})
			}
			exec.Result = r
			return e.states.complete(ctx, node, open, out)

		case domain.MultiRowSuccess:
			if !node.CreatesTokens {
				violation := &domain.ContractViolationError{NodeName: node.Name, Detail: fmt.Sprintf("returned %d rows but does not declare creates_tokens", len(r.Rows))}
				return e.failWith(ctx, node, open, violation, "contract_violation")
			}
			if len(r.Rows) == 0 {
				return e.failWith(ctx, node, open, domain.NewInvariantError("transform "+node.Name, domain.ErrEmptyExpand), "empty_expand")
			}
			out, err := canonical.Hash(r.Rows)
			if err != nil {
				return e.failRaised(ctx, node, open, &domain.PluginError{NodeName: node.Name, Plugin: node.PluginName, Err: fmt.Errorf("unhashable output: %w", err)})
			}
			exec.Result = r
			return e.states.complete(ctx, node, open, out)

		case domain.ErrorResult:
			exec.Result = r
			if err := e.states.fail(ctx, node, open, r.Detail()); err != nil {
				return err
			}
			if r.Retryable {
				return &retryableStructured{result: r}
			}
			return nil

		default:
			violation := &domain.ContractViolationError{NodeName: node.Name, Detail: fmt.Sprintf("returned unsupported result %T", res)}
			return e.failWith(ctx, node, open, violation, "contract_violation")
		}
	}

	err = runWithRetry(ctx, e.rc, node, attempt)
	if err != nil {
		if structured, ok := unwrapStructured(err); ok {
			exec.Result = structured
			exec.RetriesExhausted = domain.IsMaxRetriesExceeded(err)
			return exec, nil
		}
		return exec, err
	}
	return exec, nil
}

func (e *TransformExecutor) failRaised(ctx context.Context, node *graph.Node, open domain.NodeStateOpen, err error) error {
	var pe *domain.PluginError
	if !errors.As(err, &pe) {
		return err
	}
	if ferr := e.states.fail(ctx, node, open, pe.Detail()); ferr != nil {
		return ferr
	}
	return pe
}

func (e *TransformExecutor) failWith(ctx context.Context, node *graph.Node, open domain.NodeStateOpen, cause error, kind string) error {
	if ferr := e.states.fail(ctx, node, open, domain.FailureDetail{Type: kind, Message: cause.Error()}); ferr != nil {
		return ferr
	}
	return cause
}
