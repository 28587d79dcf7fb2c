// Package pipeline loads pipeline definitions from YAML and builds them
// into execution graphs through a plugin registry.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aescanero/rowflow/pkg/graph"
)

// Definition is a pipeline as written in YAML.
type Definition struct {
	Name        string    `yaml:"name" json:"name,omitempty"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Nodes       []NodeDef `yaml:"nodes" json:"nodes,omitempty"`
}

// NodeDef is one node of a pipeline definition.
type NodeDef struct {
	Name                string            `yaml:"name" json:"name,omitempty"`
	Kind                graph.NodeKind    `yaml:"kind" json:"kind,omitempty"`
	Plugin              string            `yaml:"plugin" json:"plugin,omitempty"`
	Options             map[string]any    `yaml:"options" json:"options,omitempty"`
	Next                string            `yaml:"next" json:"next,omitempty"`
	Routes              map[string]string `yaml:"routes" json:"routes,omitempty"`
	ForkBranches        map[string]string `yaml:"fork_branches" json:"fork_branches,omitempty"`
	OnError             string            `yaml:"on_error" json:"on_error,omitempty"`
	OnValidationFailure string            `yaml:"on_validation_failure" json:"on_validation_failure,omitempty"`
	CreatesTokens       bool              `yaml:"creates_tokens" json:"creates_tokens,omitempty"`
	Retry               *RetryDef         `yaml:"retry" json:"retry,omitempty"`
	Coalesce            *CoalesceDef      `yaml:"coalesce" json:"coalesce,omitempty"`
	Aggregation         *AggregationDef   `yaml:"aggregation" json:"aggregation,omitempty"`
}

type RetryDef struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay,omitempty"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay,omitempty"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier,omitempty"`
	Jitter       float64       `yaml:"jitter" json:"jitter,omitempty"`
}

type CoalesceDef struct {
	Branches     []string             `yaml:"branches" json:"branches,omitempty"`
	Policy       graph.CoalescePolicy `yaml:"policy" json:"policy,omitempty"`
	Quorum       int                  `yaml:"quorum" json:"quorum,omitempty"`
	Timeout      time.Duration        `yaml:"timeout" json:"timeout,omitempty"`
	Merge        graph.MergeStrategy  `yaml:"merge" json:"merge,omitempty"`
	SelectBranch string               `yaml:"select_branch" json:"select_branch,omitempty"`
}

type AggregationDef struct {
	Trigger struct {
		Count     int           `yaml:"count" json:"count,omitempty"`
		Timeout   time.Duration `yaml:"timeout" json:"timeout,omitempty"`
		Condition string        `yaml:"condition" json:"condition,omitempty"`
	} `yaml:"trigger" json:"trigger,omitempty"`
	OutputMode graph.OutputMode `yaml:"output_mode" json:"output_mode,omitempty"`
}

// Parse decodes a definition. Unknown keys are rejected.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if def.Name == "" {
		return nil, errors.New("pipeline name is required")
	}
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("pipeline %q has no nodes", def.Name)
	}
	return &def, nil
}

// LoadFile reads a definition from path.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir reads every *.yaml and *.yml file in dir, keyed by pipeline name.
func LoadDir(dir string) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make(map[string]*Definition, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, dup := defs[def.Name]; dup {
			return nil, fmt.Errorf("%s: pipeline %q defined twice", name, def.Name)
		}
		defs[def.Name] = def
	}
	return defs, nil
}

// Build instantiates the definition's plugins and builds a validated graph.
func (d *Definition) Build(reg *Registry) (*graph.Graph, error) {
	specs := make([]graph.NodeSpec, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		spec := graph.NodeSpec{
			Name:                n.Name,
			Kind:                n.Kind,
			Next:                n.Next,
			Routes:              n.Routes,
			ForkBranches:        n.ForkBranches,
			OnError:             n.OnError,
			OnValidationFailure: n.OnValidationFailure,
			CreatesTokens:       n.CreatesTokens,
		}
		if n.Kind != graph.KindCoalesce {
			if n.Plugin == "" {
				return nil, fmt.Errorf("node %q: plugin is required", n.Name)
			}
			p, err := reg.Create(n.Plugin, n.Options)
			if err != nil {
				return nil, fmt.Errorf("node %q: %w", n.Name, err)
			}
			spec.Plugin = p
		}
		if r := n.Retry; r != nil {
			spec.Retry = &graph.RetrySettings{
				MaxAttempts:  r.MaxAttempts,
				InitialDelay: r.InitialDelay,
				MaxDelay:     r.MaxDelay,
				Multiplier:   r.Multiplier,
				Jitter:       r.Jitter,
			}
		}
		if c := n.Coalesce; c != nil {
			spec.Coalesce = &graph.CoalesceSettings{
				Branches:     c.Branches,
				Policy:       c.Policy,
				Quorum:       c.Quorum,
				Timeout:      c.Timeout,
				Merge:        c.Merge,
				SelectBranch: c.SelectBranch,
			}
		}
		if a := n.Aggregation; a != nil {
			spec.Aggregation = &graph.AggregationSettings{
				Trigger: graph.TriggerSettings{
					Count:     a.Trigger.Count,
					Timeout:   a.Trigger.Timeout,
					Condition: a.Trigger.Condition,
				},
				OutputMode: a.OutputMode,
			}
		}
		specs = append(specs, spec)
	}
	return graph.NewBuilder(d.Name).Add(specs...).Build()
}
