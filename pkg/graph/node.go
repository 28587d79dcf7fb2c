package graph

import (
	"time"

	"github.com/aescanero/rowflow/pkg/expression"
	"github.com/aescanero/rowflow/pkg/ports"
)

// NodeKind is the role a node plays in the graph.
type NodeKind string

const (
	KindSource      NodeKind = "source"
	KindTransform   NodeKind = "transform"
	KindGate        NodeKind = "gate"
	KindAggregation NodeKind = "aggregation"
	KindCoalesce    NodeKind = "coalesce"
	KindSink        NodeKind = "sink"
)

// Reserved destinations.
const (
	// RouteContinue sends a routed token on to the gate's Next node.
	RouteContinue = "continue"
	// RouteFork forks the token to every configured fork branch.
	RouteFork = "fork"
	// PolicyDiscard quarantines failed tokens without writing them anywhere.
	PolicyDiscard = "discard"
)

// CoalescePolicy decides when a join resolves.
type CoalescePolicy string

const (
	PolicyRequireAll CoalescePolicy = "require_all"
	PolicyQuorum     CoalescePolicy = "quorum"
	PolicyBestEffort CoalescePolicy = "best_effort"
)

// MergeStrategy decides how the rows of joined branches are combined.
type MergeStrategy string

const (
	// MergeUnion overlays branch rows in configured branch order.
	MergeUnion MergeStrategy = "union"
	// MergeNested keys each branch row under its branch name.
	MergeNested MergeStrategy = "nested"
	// MergeSelect keeps only the row of one configured branch.
	MergeSelect MergeStrategy = "select"
)

// OutputMode decides what an aggregation flush emits.
type OutputMode string

const (
	OutputSingle      OutputMode = "single"
	OutputPassthrough OutputMode = "passthrough"
	OutputTransform   OutputMode = "transform"
)

// RetrySettings configures retries of a node's plugin call. A zero value
// means one attempt.
type RetrySettings struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	Jitter       float64       `json:"jitter" yaml:"jitter"`
}

// CoalesceSettings configures a join point.
type CoalesceSettings struct {
	Branches     []string       `json:"branches"`
	Policy       CoalescePolicy `json:"policy"`
	Quorum       int            `json:"quorum,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty"`
	Merge        MergeStrategy  `json:"merge"`
	SelectBranch string         `json:"select_branch,omitempty"`
}

// TriggerSettings configures when an aggregation batch flushes. Any
// trigger firing flushes the batch.
type TriggerSettings struct {
	Count     int           `json:"count,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Condition string        `json:"condition,omitempty"`
}

// AggregationSettings configures an aggregation node.
type AggregationSettings struct {
	Trigger    TriggerSettings `json:"trigger"`
	OutputMode OutputMode      `json:"output_mode"`
}

// NodeSpec describes a node before it is built into a graph.
//
// Plugin must implement the role interface matching Kind; coalesce nodes
// have none. Routes maps gate labels to a node name, RouteContinue or
// RouteFork. ForkBranches maps branch names to the node each branch starts
// at. OnError and OnValidationFailure are empty (failures propagate),
// PolicyDiscard or the name of a sink.
type NodeSpec struct {
	Name                string
	Kind                NodeKind
	Plugin              ports.Plugin
	Next                string
	Routes              map[string]string
	ForkBranches        map[string]string
	OnError             string
	OnValidationFailure string
	Retry               *RetrySettings
	Coalesce            *CoalesceSettings
	Aggregation         *AggregationSettings
	CreatesTokens       bool
}

// Node is a built, validated graph node. Nodes are read-only once the
// graph is built.
type Node struct {
	ID                  string
	Name                string
	Kind                NodeKind
	Step                int
	PluginName          string
	Next                string
	Routes              map[string]string
	ForkBranches        map[string]string
	OnError             string
	OnValidationFailure string
	Retry               RetrySettings
	Coalesce            *CoalesceSettings
	Aggregation         *AggregationSettings
	CreatesTokens       bool
	Determinism         ports.Determinism

	Source         ports.Source
	Transform      ports.Transform
	BatchTransform ports.BatchTransform
	Gate           ports.Gate
	Sink           ports.Sink

	// TriggerCondition is the compiled aggregation trigger condition.
	TriggerCondition *expression.Condition
}

// Conditional is implemented by gates whose decision comes from a compiled
// condition. The builder checks the condition's shape against the gate's
// route labels.
type Conditional interface {
	Condition() *expression.Condition
}

// HasErrorPolicy reports whether failures at the node are absorbed.
func (n *Node) HasErrorPolicy() bool {
	return n.OnError != ""
}
