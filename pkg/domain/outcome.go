package domain

import "fmt"

// OutcomeKind names a RowOutcome variant for storage and metrics.
type OutcomeKind string

const (
	OutcomeSucceeded       OutcomeKind = "succeeded"
	OutcomeRouted          OutcomeKind = "routed"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeQuarantined     OutcomeKind = "quarantined"
	OutcomeForked          OutcomeKind = "forked"
	OutcomeCoalesced       OutcomeKind = "coalesced"
	OutcomeExpanded        OutcomeKind = "expanded"
	OutcomeBuffered        OutcomeKind = "buffered"
	OutcomeConsumedInBatch OutcomeKind = "consumed_in_batch"
)

// Failure reasons used by the engine itself.
const (
	ReasonIncompleteBranches   = "incomplete_branches"
	ReasonQuorumNotMet         = "quorum_not_met"
	ReasonSelectBranchMissing  = "select_branch_missing"
	ReasonLateArrival          = "late_arrival_after_merge"
	ReasonDuplicateArrival     = "duplicate_arrival"
	ReasonTransformError       = "transform_error"
	ReasonPluginFailure        = "plugin_failure"
	ReasonRetriesExhausted     = "max_retries_exceeded"
	ReasonBatchFailed          = "batch_failed"
	ReasonSourceValidation     = "source_validation_failed"
	ReasonSinkWriteFailed      = "sink_write_failed"
	ReasonCoalesceNotMergeable = "coalesce_merge_failed"
)

// RowOutcome describes what happened to a token at the end of one step.
// The variant set is closed; see the types below.
type RowOutcome interface {
	Kind() OutcomeKind
	// Terminal reports whether the token's journey ends with this outcome.
	Terminal() bool
	rowOutcome()
}

// Succeeded: the token reached a sink through normal continuation.
type Succeeded struct {
	Sink string `json:"sink"`
}

// Routed: a gate sent the token to a named sink.
type Routed struct {
	Sink  string `json:"sink"`
	Label string `json:"label"`
}

// Failed: the token could not be processed and no error policy absorbed it.
type Failed struct {
	Reason string         `json:"reason"`
	Error  *FailureDetail `json:"error,omitempty"`
}

// Quarantined: the token was routed to an error sink, or discarded on
// purpose when Sink is empty.
type Quarantined struct {
	Sink   string         `json:"sink,omitempty"`
	Reason string         `json:"reason"`
	Error  *FailureDetail `json:"error,omitempty"`
}

// Forked: the parent is finished, its children continue on their branches.
type Forked struct {
	ForkGroupID string   `json:"fork_group_id"`
	Children    []string `json:"children"`
}

// Coalesced: the token was consumed by a join and merged into MergedTokenID.
type Coalesced struct {
	CoalesceName    string   `json:"coalesce_name"`
	JoinGroupID     string   `json:"join_group_id"`
	MergedTokenID   string   `json:"merged_token_id"`
	Policy          string   `json:"policy"`
	MissingBranches []string `json:"missing_branches,omitempty"`
}

// Expanded: the parent is finished, children produced from its output continue.
type Expanded struct {
	ExpandGroupID string   `json:"expand_group_id"`
	Children      []string `json:"children"`
}

// Buffered: the token is held by an aggregation batch or a pending join and
// will resolve to a terminal outcome later.
type Buffered struct {
	NodeID  string `json:"node_id"`
	BatchID string `json:"batch_id,omitempty"`
}

// ConsumedInBatch: the token's row went into a flushed batch.
type ConsumedInBatch struct {
	BatchID string `json:"batch_id"`
	Trigger string `json:"trigger"`
}

func (Succeeded) Kind() OutcomeKind       { return OutcomeSucceeded }
func (Routed) Kind() OutcomeKind          { return OutcomeRouted }
func (Failed) Kind() OutcomeKind          { return OutcomeFailed }
func (Quarantined) Kind() OutcomeKind     { return OutcomeQuarantined }
func (Forked) Kind() OutcomeKind          { return OutcomeForked }
func (Coalesced) Kind() OutcomeKind       { return OutcomeCoalesced }
func (Expanded) Kind() OutcomeKind        { return OutcomeExpanded }
func (Buffered) Kind() OutcomeKind        { return OutcomeBuffered }
func (ConsumedInBatch) Kind() OutcomeKind { return OutcomeConsumedInBatch }

func (Succeeded) Terminal() bool       { return true }
func (Routed) Terminal() bool          { return true }
func (Failed) Terminal() bool          { return true }
func (Quarantined) Terminal() bool     { return true }
func (Forked) Terminal() bool          { return true }
func (Coalesced) Terminal() bool       { return true }
func (Expanded) Terminal() bool        { return true }
func (Buffered) Terminal() bool        { return false }
func (ConsumedInBatch) Terminal() bool { return true }

func (Succeeded) rowOutcome()       {}
func (Routed) rowOutcome()          {}
func (Failed) rowOutcome()          {}
func (Quarantined) rowOutcome()     {}
func (Forked) rowOutcome()          {}
func (Coalesced) rowOutcome()       {}
func (Expanded) rowOutcome()        {}
func (Buffered) rowOutcome()        {}
func (ConsumedInBatch) rowOutcome() {}

// SinkOf returns the sink a terminal outcome must be written to, if any.
func SinkOf(o RowOutcome) (string, bool) {
	switch v := o.(type) {
	case Succeeded:
		return v.Sink, true
	case Routed:
		return v.Sink, true
	case Quarantined:
		return v.Sink, v.Sink != ""
	case Failed, Forked, Coalesced, Expanded, Buffered, ConsumedInBatch:
		return "", false
	default:
		panic(fmt.Sprintf("domain: unhandled row outcome %T", o))
	}
}

// RowResult is one outcome produced while processing a source row.
type RowResult struct {
	Token   Token      `json:"token"`
	Outcome RowOutcome `json:"-"`
	NodeID  string     `json:"node_id"`
}

// TokenOutcomeRecord is what the recorder persists for each outcome.
type TokenOutcomeRecord struct {
	RunID   string
	TokenID string
	RowID   string
	NodeID  string
	Outcome RowOutcome
}
