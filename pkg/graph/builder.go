package graph

import (
	"fmt"
	"sort"

	"github.com/aescanero/rowflow/pkg/canonical"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/expression"
	"github.com/aescanero/rowflow/pkg/ports"
)

// Builder assembles a graph from node specs.
type Builder struct {
	name  string
	specs []NodeSpec
}

// NewBuilder starts a graph for the named pipeline.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Add appends a node spec. Order of addition does not matter.
func (b *Builder) Add(specs ...NodeSpec) *Builder {
	b.specs = append(b.specs, specs...)
	return b
}

// Build validates the node specs and returns the graph with ids and steps
// assigned. All validation problems are reported together.
func (b *Builder) Build() (*Graph, error) {
	g, err := b.assemble()
	if err != nil {
		return nil, err
	}
	if err := validate(g); err != nil {
		return nil, err
	}
	return g, nil
}

// BuildWithoutValidation assembles the graph but skips structural checks.
// It exists for exercising the engine's runtime guards against graphs that
// validation would reject, such as cycles.
func (b *Builder) BuildWithoutValidation() (*Graph, error) {
	return b.assemble()
}

func (b *Builder) assemble() (*Graph, error) {
	g := &Graph{name: b.name, nodes: make(map[string]*Node, len(b.specs))}

	var nodes []*Node
	for _, spec := range b.specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: node without a name", domain.ErrInvalidGraph)
		}
		if _, dup := g.nodes[spec.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate node name %q", domain.ErrInvalidGraph, spec.Name)
		}
		n, err := newNode(spec)
		if err != nil {
			return nil, err
		}
		g.nodes[n.Name] = n
		nodes = append(nodes, n)
		if n.Kind == KindSource {
			if g.source != nil {
				return nil, fmt.Errorf("%w: more than one source (%q, %q)", domain.ErrInvalidGraph, g.source.Name, n.Name)
			}
			g.source = n
		}
	}
	if g.source == nil {
		return nil, fmt.Errorf("%w: graph has no source", domain.ErrInvalidGraph)
	}

	g.order = topoOrder(nodes, g.nodes)
	for i, n := range g.order {
		n.Step = i
		n.ID = nodeID(n)
	}
	g.hash = graphHash(g)
	return g, nil
}

func newNode(spec NodeSpec) (*Node, error) {
	n := &Node{
		Name:                spec.Name,
		Kind:                spec.Kind,
		Next:                spec.Next,
		Routes:              copyMap(spec.Routes),
		ForkBranches:        copyMap(spec.ForkBranches),
		OnError:             spec.OnError,
		OnValidationFailure: spec.OnValidationFailure,
		Coalesce:            spec.Coalesce,
		Aggregation:         spec.Aggregation,
		CreatesTokens:       spec.CreatesTokens,
		Determinism:         ports.Deterministic,
	}
	if spec.Retry != nil {
		n.Retry = *spec.Retry
	}
	if spec.Plugin != nil {
		n.PluginName = spec.Plugin.Name()
		if d, ok := spec.Plugin.(ports.Describer); ok {
			md := d.Metadata()
			n.CreatesTokens = n.CreatesTokens || md.CreatesTokens
			if md.Determinism != "" {
				n.Determinism = md.Determinism
			}
			if n.OnError == "" {
				n.OnError = md.OnError
			}
		}
	}

	var ok bool
	switch spec.Kind {
	case KindSource:
		n.Source, ok = spec.Plugin.(ports.Source)
	case KindTransform:
		n.Transform, ok = spec.Plugin.(ports.Transform)
	case KindGate:
		n.Gate, ok = spec.Plugin.(ports.Gate)
	case KindAggregation:
		n.BatchTransform, ok = spec.Plugin.(ports.BatchTransform)
		if n.Aggregation != nil && n.Aggregation.OutputMode == "" {
			agg := *n.Aggregation
			agg.OutputMode = OutputSingle
			n.Aggregation = &agg
		}
	case KindSink:
		n.Sink, ok = spec.Plugin.(ports.Sink)
	case KindCoalesce:
		ok = spec.Plugin == nil
		if n.Coalesce != nil && n.Coalesce.Merge == "" {
			co := *n.Coalesce
			co.Merge = MergeUnion
			n.Coalesce = &co
		}
	default:
		return nil, fmt.Errorf("%w: node %q has unknown kind %q", domain.ErrInvalidGraph, spec.Name, spec.Kind)
	}
	if !ok {
		return nil, fmt.Errorf("%w: node %q: plugin %T does not implement the %s role", domain.ErrInvalidGraph, spec.Name, spec.Plugin, spec.Kind)
	}

	if n.Kind == KindAggregation && n.Aggregation != nil && n.Aggregation.Trigger.Condition != "" {
		cond, err := expression.Compile(n.Aggregation.Trigger.Condition, expression.TriggerEnv())
		if err != nil {
			return nil, fmt.Errorf("%w: aggregation %q: %w", domain.ErrInvalidGraph, n.Name, err)
		}
		n.TriggerCondition = cond
	}
	return n, nil
}

// successors lists every node a token can move to from n, including
// error and validation sinks.
func successors(n *Node) []string {
	var out []string
	if n.Next != "" {
		out = append(out, n.Next)
	}
	for _, label := range sortedKeys(n.Routes) {
		dest := n.Routes[label]
		if dest != RouteContinue && dest != RouteFork {
			out = append(out, dest)
		}
	}
	for _, branch := range sortedKeys(n.ForkBranches) {
		out = append(out, n.ForkBranches[branch])
	}
	for _, dest := range []string{n.OnError, n.OnValidationFailure} {
		if dest != "" && dest != PolicyDiscard {
			out = append(out, dest)
		}
	}
	return out
}

// topoOrder sorts nodes with Kahn's algorithm, breaking ties by name so the
// order is stable. Nodes on a cycle are appended in insertion order.
func topoOrder(nodes []*Node, byName map[string]*Node) []*Node {
	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		for _, s := range successors(n) {
			if _, ok := byName[s]; ok {
				indegree[s]++
			}
		}
	}

	var ready []string
	for _, n := range nodes {
		if indegree[n.Name] == 0 {
			ready = append(ready, n.Name)
		}
	}
	sort.Strings(ready)

	order := make([]*Node, 0, len(nodes))
	placed := make(map[string]bool, len(nodes))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		n := byName[name]
		order = append(order, n)
		placed[name] = true

		var freed []string
		for _, s := range successors(n) {
			if _, ok := byName[s]; !ok {
				continue
			}
			indegree[s]--
			if indegree[s] == 0 {
				freed = append(freed, s)
			}
		}
		ready = append(ready, freed...)
		sort.Strings(ready)
	}

	for _, n := range nodes {
		if !placed[n.Name] {
			order = append(order, n)
		}
	}
	return order
}

type nodeDescriptor struct {
	Name                string               `json:"name"`
	Kind                NodeKind             `json:"kind"`
	Plugin              string               `json:"plugin"`
	Next                string               `json:"next,omitempty"`
	Routes              map[string]string    `json:"routes,omitempty"`
	ForkBranches        map[string]string    `json:"fork_branches,omitempty"`
	OnError             string               `json:"on_error,omitempty"`
	OnValidationFailure string               `json:"on_validation_failure,omitempty"`
	Retry               RetrySettings        `json:"retry"`
	Coalesce            *CoalesceSettings    `json:"coalesce,omitempty"`
	Aggregation         *AggregationSettings `json:"aggregation,omitempty"`
	CreatesTokens       bool                 `json:"creates_tokens"`
}

func describe(n *Node) nodeDescriptor {
	return nodeDescriptor{
		Name:                n.Name,
		Kind:                n.Kind,
		Plugin:              n.PluginName,
		Next:                n.Next,
		Routes:              n.Routes,
		ForkBranches:        n.ForkBranches,
		OnError:             n.OnError,
		OnValidationFailure: n.OnValidationFailure,
		Retry:               n.Retry,
		Coalesce:            n.Coalesce,
		Aggregation:         n.Aggregation,
		CreatesTokens:       n.CreatesTokens,
	}
}

// nodeID is <kind>-<name>-<first 8 hex of the node's config hash>.
func nodeID(n *Node) string {
	return fmt.Sprintf("%s-%s-%s", n.Kind, n.Name, canonical.MustHash(describe(n))[:8])
}

func graphHash(g *Graph) string {
	parts := make([]any, 0, len(g.order)+1)
	parts = append(parts, g.name)
	for _, n := range g.order {
		parts = append(parts, describe(n))
	}
	h, err := canonical.HashParts(parts...)
	if err != nil {
		panic(err)
	}
	return h
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
