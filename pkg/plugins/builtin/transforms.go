package builtin

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/expression"
	"github.com/aescanero/rowflow/pkg/ports"
)

// SetFieldsOptions maps output field names to expressions over `row`.
type SetFieldsOptions struct {
	Fields map[string]string `json:"fields"`
	// Drop removes fields after the new ones are set.
	Drop []string `json:"drop"`
}

// SetFields computes new fields from expressions. Every expression sees
// the input row, not the fields set by its siblings. An evaluation error is
// a structured, non-retryable failure.
type SetFields struct {
	names  []string
	fields map[string]*expression.Condition
	drop   []string
}

func NewSetFields(opts SetFieldsOptions) (*SetFields, error) {
	if len(opts.Fields) == 0 && len(opts.Drop) == 0 {
		return nil, errors.New("set_fields: no fields to set or drop")
	}
	t := &SetFields{fields: make(map[string]*expression.Condition, len(opts.Fields)), drop: opts.Drop}
	for name, src := range opts.Fields {
		c, err := expression.Compile(src, expression.GateEnv())
		if err != nil {
			return nil, fmt.Errorf("set_fields: field %q: %w", name, err)
		}
		t.fields[name] = c
		t.names = append(t.names, name)
	}
	sort.Strings(t.names)
	return t, nil
}

func (t *SetFields) Name() string { return "set_fields" }

func (t *SetFields) Process(ctx context.Context, row domain.Row, pctx ports.PluginContext) (domain.TransformResult, error) {
	env := expression.RowEnv(row)
	out := row.Clone()
	for _, name := range t.names {
		v, err := t.fields[name].Value(env)
		if err != nil {
			return domain.Error("expression_error", fmt.Sprintf("field %s: %v", name, err), false), nil
		}
		out[name] = v
	}
	for _, name := range t.drop {
		delete(out, name)
	}
	return domain.Success(out), nil
}

// ExplodeOptions names the list field to explode.
type ExplodeOptions struct {
	Field string `json:"field"`
	// As renames the exploded element; defaults to Field.
	As string `json:"as"`
	// IndexField, when set, receives the element's position.
	IndexField string `json:"index_field"`
}

// Explode turns one row holding a list into one row per element.
type Explode struct {
	opts ExplodeOptions
}

func NewExplode(opts ExplodeOptions) (*Explode, error) {
	if opts.Field == "" {
		return nil, errors.New("explode: field is required")
	}
	if opts.As == "" {
		opts.As = opts.Field
	}
	return &Explode{opts: opts}, nil
}

func (t *Explode) Name() string { return "explode" }

func (t *Explode) Metadata() ports.PluginMetadata {
	return ports.PluginMetadata{CreatesTokens: true, Determinism: ports.Deterministic}
}

func (t *Explode) Process(ctx context.Context, row domain.Row, pctx ports.PluginContext) (domain.TransformResult, error) {
	items, ok := row[t.opts.Field].([]any)
	if !ok {
		return domain.Error("explode_field_invalid", fmt.Sprintf("field %s is %T, want a list", t.opts.Field, row[t.opts.Field]), false), nil
	}
	if len(items) == 0 {
		return domain.Error("explode_field_empty", fmt.Sprintf("field %s is an empty list", t.opts.Field), false), nil
	}

	rows := make([]domain.Row, len(items))
	for i, item := range items {
		out := row.Clone()
		delete(out, t.opts.Field)
		out[t.opts.As] = item
		if t.opts.IndexField != "" {
			out[t.opts.IndexField] = i
		}
		rows[i] = out
	}
	return domain.SuccessMulti(rows...), nil
}
