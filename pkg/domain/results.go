package domain

import "fmt"

// TransformResult is what a transform plugin returns for expected outcomes.
// Variants: RowSuccess, MultiRowSuccess, ErrorResult. Unexpected bugs are
// reported by returning a Go error (or panicking) instead.
type TransformResult interface {
	transformResult()
}

// RowSuccess carries exactly one output row.
type RowSuccess struct {
	Row Row
}

// MultiRowSuccess carries several output rows. Only transforms declaring
// CreatesTokens, and aggregation flushes, may return it.
type MultiRowSuccess struct {
	Rows []Row
}

// ErrorResult is a domain failure reported by the plugin itself.
type ErrorResult struct {
	Reason    string
	Message   string
	Retryable bool
	Details   map[string]any
}

func (RowSuccess) transformResult()      {}
func (MultiRowSuccess) transformResult() {}
func (ErrorResult) transformResult()     {}

// Success builds a single-row result.
func Success(row Row) TransformResult { return RowSuccess{Row: row} }

// SuccessMulti builds a multi-row result.
func SuccessMulti(rows ...Row) TransformResult { return MultiRowSuccess{Rows: rows} }

// Error builds a structured error result.
func Error(reason, message string, retryable bool) TransformResult {
	return ErrorResult{Reason: reason, Message: message, Retryable: retryable}
}

// Detail converts the error result into an audit failure detail.
func (e ErrorResult) Detail() FailureDetail {
	return FailureDetail{Type: e.Reason, Message: e.Message, Retryable: e.Retryable, Details: e.Details}
}

// RoutingAction is the directive a gate returns. Variants: Continue,
// RouteTo, ForkTo.
type RoutingAction interface {
	routingAction()
}

// Continue falls through to the gate's next step.
type Continue struct{}

// RouteTo selects a configured route by label.
type RouteTo struct {
	Label string
}

// ForkTo sends a copy of the row down each named branch.
type ForkTo struct {
	Branches []string
}

func (Continue) routingAction() {}
func (RouteTo) routingAction()  {}
func (ForkTo) routingAction()   {}

// GateResult is a gate decision plus the (possibly annotated) row.
type GateResult struct {
	Row    Row
	Action RoutingAction
}

// RoutingMode describes how a routing decision moved the token.
type RoutingMode string

const (
	RoutingContinue RoutingMode = "continue"
	RoutingMove     RoutingMode = "move"
	RoutingFork     RoutingMode = "fork"
)

// DescribeAction renders a routing action for logs and events.
func DescribeAction(a RoutingAction) string {
	switch v := a.(type) {
	case Continue:
		return "continue"
	case RouteTo:
		return "route:" + v.Label
	case ForkTo:
		return fmt.Sprintf("fork:%v", v.Branches)
	default:
		panic(fmt.Sprintf("domain: unhandled routing action %T", a))
	}
}

// ArtifactDescriptor is the content-addressed description of what a sink
// wrote.
type ArtifactDescriptor struct {
	ArtifactType string         `json:"artifact_type"`
	PathOrURI    string         `json:"path_or_uri"`
	ContentHash  string         `json:"content_hash"`
	SizeBytes    int64          `json:"size_bytes"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
