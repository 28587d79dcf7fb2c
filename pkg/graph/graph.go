package graph

import (
	"fmt"

	"github.com/aescanero/rowflow/pkg/domain"
)

// Graph is an immutable execution graph. Nodes are held in topological
// order; a node's Step is its index in that order.
type Graph struct {
	name   string
	nodes  map[string]*Node
	order  []*Node
	source *Node
	hash   string
}

// Name returns the pipeline name the graph was built for.
func (g *Graph) Name() string { return g.name }

// Hash identifies the graph's topology and settings. Checkpoints carry it
// so a run is only resumed against the graph it started with.
func (g *Graph) Hash() string { return g.hash }

// Source returns the source node.
func (g *Graph) Source() *Node { return g.source }

// Nodes returns all nodes in step order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.order))
	copy(out, g.order)
	return out
}

// Node looks a node up by name.
func (g *Graph) Node(name string) (*Node, error) {
	n, ok := g.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownNode, name)
	}
	return n, nil
}

// NodesOfKind returns the nodes of one kind in step order.
func (g *Graph) NodesOfKind(kind NodeKind) []*Node {
	var out []*Node
	for _, n := range g.order {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Next returns the node a token continues to after n.
func (g *Graph) Next(n *Node) (*Node, error) {
	if n.Next == "" {
		return nil, fmt.Errorf("%w: node %q has no next node", domain.ErrUnknownNode, n.Name)
	}
	return g.Node(n.Next)
}

// ResolveRoute maps a gate label to its configured destination.
func (g *Graph) ResolveRoute(n *Node, label string) (string, error) {
	dest, ok := n.Routes[label]
	if !ok {
		return "", fmt.Errorf("%w: gate %q has no route for label %q", domain.ErrUnknownRoute, n.Name, label)
	}
	return dest, nil
}

// ForkDestination returns the node a fork branch starts at.
func (g *Graph) ForkDestination(n *Node, branch string) (*Node, error) {
	dest, ok := n.ForkBranches[branch]
	if !ok {
		return nil, fmt.Errorf("%w: node %q has no fork branch %q", domain.ErrUnknownRoute, n.Name, branch)
	}
	return g.Node(dest)
}

// ForkBranchNames returns a node's fork branches in sorted order.
func (n *Node) ForkBranchNames() []string {
	return sortedKeys(n.ForkBranches)
}
