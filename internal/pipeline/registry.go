package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/aescanero/rowflow/pkg/plugins/builtin"
	"github.com/aescanero/rowflow/pkg/plugins/objectstore"
	"github.com/aescanero/rowflow/pkg/ports"
)

// Deps are shared clients handed to plugin factories.
type Deps struct {
	// ObjectStore backs the objectstore_sink plugin. Nil disables it.
	ObjectStore objectstore.Putter
	// DefaultBucket is used by objectstore_sink nodes that name none.
	DefaultBucket string
}

// Factory builds a plugin instance from its YAML options.
type Factory func(options map[string]any, deps Deps) (ports.Plugin, error)

// Registry maps plugin names to factories. A new plugin instance is built
// for every graph, so plugin state never leaks between runs.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	deps      Deps
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{factories: make(map[string]Factory), deps: deps}
}

// NewBuiltinRegistry creates a registry holding every builtin plugin.
func NewBuiltinRegistry(deps Deps) *Registry {
	r := NewRegistry(deps)
	r.MustRegister("jsonl_source", typed(func(o builtin.JSONLSourceOptions, _ Deps) (ports.Plugin, error) {
		return builtin.NewJSONLSource(o)
	}))
	r.MustRegister("jsonl_sink", typed(func(o builtin.JSONLSinkOptions, _ Deps) (ports.Plugin, error) {
		return builtin.NewJSONLSink(o)
	}))
	r.MustRegister("set_fields", typed(func(o builtin.SetFieldsOptions, _ Deps) (ports.Plugin, error) {
		return builtin.NewSetFields(o)
	}))
	r.MustRegister("explode", typed(func(o builtin.ExplodeOptions, _ Deps) (ports.Plugin, error) {
		return builtin.NewExplode(o)
	}))
	r.MustRegister("expression_gate", typed(func(o builtin.ExpressionGateOptions, _ Deps) (ports.Plugin, error) {
		return builtin.NewExpressionGate(o)
	}))
	r.MustRegister("fork_gate", typed(func(o builtin.ForkGateOptions, _ Deps) (ports.Plugin, error) {
		return builtin.NewForkGate(o)
	}))
	r.MustRegister("summarize", typed(func(o builtin.SummarizeOptions, _ Deps) (ports.Plugin, error) {
		return builtin.NewSummarize(o)
	}))
	r.MustRegister("objectstore_sink", typed(func(o objectstore.SinkOptions, d Deps) (ports.Plugin, error) {
		if d.ObjectStore == nil {
			return nil, errors.New("objectstore_sink: no object store configured")
		}
		if o.Bucket == "" {
			o.Bucket = d.DefaultBucket
		}
		return objectstore.NewSink(d.ObjectStore, o)
	}))
	return r
}

// Register adds a factory. Names are unique.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for init-time wiring.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Create builds a plugin by name.
func (r *Registry) Create(name string, options map[string]any) (ports.Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", name)
	}
	p, err := f(options, r.deps)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: %w", name, err)
	}
	return p, nil
}

// Names lists the registered plugins.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// typed adapts a constructor over an options struct into a Factory. Options
// are decoded through their json tags and unknown keys are rejected.
func typed[T any](build func(opts T, deps Deps) (ports.Plugin, error)) Factory {
	return func(options map[string]any, deps Deps) (ports.Plugin, error) {
		var opts T
		if len(options) > 0 {
			data, err := json.Marshal(options)
			if err != nil {
				return nil, fmt.Errorf("invalid options: %w", err)
			}
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&opts); err != nil {
				return nil, fmt.Errorf("invalid options: %w", err)
			}
		}
		return build(opts, deps)
	}
}
