package domain

import (
	"errors"
	"fmt"
)

// Engine invariant violations. These are always fatal to a run.
var (
	ErrIterationCapExceeded   = errors.New("work queue iteration cap exceeded")
	ErrNodeIDUnassigned       = errors.New("node id not assigned by graph builder")
	ErrUnknownCoalescePoint   = errors.New("coalesce point not registered")
	ErrUnexpectedBranch       = errors.New("branch not configured for coalesce point")
	ErrDuplicateArrival       = errors.New("branch already arrived at coalesce point")
	ErrEmptyFork              = errors.New("fork requires at least one branch")
	ErrEmptyExpand            = errors.New("expand requires at least one row")
	ErrEmptyMerge             = errors.New("merge requires at least one parent token")
	ErrContractViolation      = errors.New("plugin contract violation")
	ErrUnhandledPluginFailure = errors.New("plugin failure without error policy")
	ErrAuditIntegrity         = errors.New("audit integrity violation")
	ErrNodeStateTerminal      = errors.New("node state already terminal")
	ErrUnknownRoute           = errors.New("route label not configured")
	ErrUnknownNode            = errors.New("node not found in graph")
	ErrConditionShape         = errors.New("condition result shape mismatch")
)

// Non-fatal and lookup errors.
var (
	ErrMaxRetriesExceeded     = errors.New("max retries exceeded")
	ErrInvalidGraph           = errors.New("invalid graph")
	ErrInvalidCheckpoint      = errors.New("invalid checkpoint")
	ErrCheckpointIncompatible = errors.New("checkpoint does not match graph")
	ErrNotFound               = errors.New("not found")
	ErrSinkWrite              = errors.New("sink write failed")
)

var fatalErrors = []error{
	ErrIterationCapExceeded,
	ErrNodeIDUnassigned,
	ErrUnknownCoalescePoint,
	ErrUnexpectedBranch,
	ErrDuplicateArrival,
	ErrEmptyFork,
	ErrEmptyExpand,
	ErrEmptyMerge,
	ErrContractViolation,
	ErrUnhandledPluginFailure,
	ErrAuditIntegrity,
	ErrNodeStateTerminal,
	ErrUnknownRoute,
	ErrUnknownNode,
	ErrConditionShape,
}

// IsFatal reports whether err is an engine invariant violation that must
// stop the run. Fatal errors are never retried.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range fatalErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// InvariantError attaches the failing operation to an invariant violation.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// NewInvariantError wraps a sentinel with operation context.
func NewInvariantError(op string, err error) *InvariantError {
	return &InvariantError{Op: op, Err: err}
}

// PluginError is a failure raised by a plugin: a returned Go error or a
// recovered panic. It is not a structured ErrorResult.
type PluginError struct {
	NodeName string
	Plugin   string
	Err      error
	Panic    any
}

func (e *PluginError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("plugin %s at node %s panicked: %v", e.Plugin, e.NodeName, e.Panic)
	}
	return fmt.Sprintf("plugin %s at node %s: %v", e.Plugin, e.NodeName, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// Detail converts the raised failure into an audit failure detail.
func (e *PluginError) Detail() FailureDetail {
	kind := "plugin_error"
	if e.Panic != nil {
		kind = "plugin_panic"
	}
	return FailureDetail{
		Type:    kind,
		Message: e.Error(),
		Details: map[string]any{"plugin": e.Plugin, "node": e.NodeName},
	}
}

// MaxRetriesExceededError reports that a retryable operation gave up. It
// matches ErrMaxRetriesExceeded and unwraps to the last attempt's error.
type MaxRetriesExceededError struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.Last)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.Last
}

func (e *MaxRetriesExceededError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}

// ContractViolationError is a plugin returning something its declared
// metadata does not allow.
type ContractViolationError struct {
	NodeName string
	Detail   string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("contract violation at node %s: %s", e.NodeName, e.Detail)
}

func (e *ContractViolationError) Unwrap() error {
	return ErrContractViolation
}

// IsMaxRetriesExceeded reports whether err signals retry exhaustion.
func IsMaxRetriesExceeded(err error) bool {
	return errors.Is(err, ErrMaxRetriesExceeded)
}

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
