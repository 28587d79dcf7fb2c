// Package expression compiles the conditions used by gates and aggregation
// triggers and classifies their result shape.
//
// A condition's shape is decided twice: once when the graph is validated
// (from the statically inferred result type) and once per evaluation (from
// the value actually returned). Both decisions go through ShapeOfKind so
// they can never disagree about what counts as a boolean or a label.
package expression

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/aescanero/rowflow/pkg/domain"
)

// Shape is the classification of a condition result.
type Shape string

const (
	// ShapeBoolean results select the "true" or "false" route.
	ShapeBoolean Shape = "boolean"
	// ShapeLabel results name a route directly.
	ShapeLabel Shape = "label"
	// ShapeDynamic results are only known at evaluation time.
	ShapeDynamic Shape = "dynamic"
	// ShapeOther results can neither select nor name a route.
	ShapeOther Shape = "other"
)

// ShapeOfKind is the single classifier shared by validation and evaluation.
func ShapeOfKind(k reflect.Kind) Shape {
	switch k {
	case reflect.Bool:
		return ShapeBoolean
	case reflect.String:
		return ShapeLabel
	case reflect.Interface:
		return ShapeDynamic
	default:
		return ShapeOther
	}
}

// ShapeOfValue classifies an evaluated result. A nil result has no kind and
// classifies as ShapeOther.
func ShapeOfValue(v any) Shape {
	if v == nil {
		return ShapeOther
	}
	return ShapeOfKind(reflect.TypeOf(v).Kind())
}

// Condition is a compiled expression with its statically inferred shape.
type Condition struct {
	source  string
	program *vm.Program
	shape   Shape
}

// Compile compiles source against an environment prototype and infers the
// result shape. The prototype only needs the right keys and value types.
func Compile(source string, env map[string]any) (*Condition, error) {
	program, err := expr.Compile(source, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", source, err)
	}

	return &Condition{
		source:  source,
		program: program,
		shape:   ShapeOfKind(staticKind(source, env)),
	}, nil
}

// staticKind derives the result kind the type checker can prove. expr's
// AsBool and AsKind checks accept results of unknown type, so an expression
// passing both is dynamic.
func staticKind(source string, env map[string]any) reflect.Kind {
	_, boolErr := expr.Compile(source, expr.Env(env), expr.AsBool())
	_, strErr := expr.Compile(source, expr.Env(env), expr.AsKind(reflect.String))

	switch {
	case boolErr == nil && strErr == nil:
		return reflect.Interface
	case boolErr == nil:
		return reflect.Bool
	case strErr == nil:
		return reflect.String
	default:
		return reflect.Invalid
	}
}

// Source returns the expression text.
func (c *Condition) Source() string { return c.source }

// Shape returns the statically inferred result shape.
func (c *Condition) Shape() Shape { return c.shape }

// Evaluate runs the condition and classifies the value it returned.
func (c *Condition) Evaluate(env map[string]any) (any, Shape, error) {
	out, err := expr.Run(c.program, env)
	if err != nil {
		return nil, ShapeOther, fmt.Errorf("failed to evaluate %q: %w", c.source, err)
	}
	return out, ShapeOfValue(out), nil
}

// EvaluateBool runs a condition that must produce a boolean.
func (c *Condition) EvaluateBool(env map[string]any) (bool, error) {
	out, shape, err := c.Evaluate(env)
	if err != nil {
		return false, err
	}
	if shape != ShapeBoolean {
		return false, fmt.Errorf("%w: %q returned %T, want bool", domain.ErrConditionShape, c.source, out)
	}
	return out.(bool), nil
}

// EvaluateLabel runs a gate condition and returns the route label it
// selects. Boolean results select the "true" or "false" label.
func (c *Condition) EvaluateLabel(env map[string]any) (string, error) {
	out, shape, err := c.Evaluate(env)
	if err != nil {
		return "", err
	}
	switch shape {
	case ShapeBoolean:
		return strconv.FormatBool(out.(bool)), nil
	case ShapeLabel:
		return reflect.ValueOf(out).String(), nil
	default:
		return "", fmt.Errorf("%w: %q returned %T, want bool or string", domain.ErrConditionShape, c.source, out)
	}
}

// Value runs an expression used to compute a field value.
func (c *Condition) Value(env map[string]any) (any, error) {
	out, _, err := c.Evaluate(env)
	return out, err
}

// BooleanLabels are the only route labels a boolean condition can select.
var BooleanLabels = []string{"true", "false"}

// ValidateRouteLabels checks configured route labels against a shape. A
// boolean condition can only produce "true" and "false"; a label or dynamic
// condition may produce any label and is checked at evaluation time.
func ValidateRouteLabels(shape Shape, labels []string) error {
	switch shape {
	case ShapeBoolean:
		for _, l := range labels {
			if l != "true" && l != "false" {
				return fmt.Errorf("%w: boolean condition cannot select route %q", domain.ErrConditionShape, l)
			}
		}
		return nil
	case ShapeLabel, ShapeDynamic:
		return nil
	default:
		return fmt.Errorf("%w: condition result can not select a route", domain.ErrConditionShape)
	}
}

// GateEnv is the environment prototype for gate and field expressions.
func GateEnv() map[string]any {
	return map[string]any{"row": map[string]any{}}
}

// RowEnv builds the evaluation environment for a row.
func RowEnv(row domain.Row) map[string]any {
	return map[string]any{"row": map[string]any(row)}
}

// TriggerEnv is the environment prototype for aggregation trigger
// conditions. Triggers see batch metadata, never the buffered rows.
func TriggerEnv() map[string]any {
	return map[string]any{"batch_count": 0, "batch_age_seconds": 0.0}
}

// TriggerValues builds the trigger evaluation environment.
func TriggerValues(count int, ageSeconds float64) map[string]any {
	return map[string]any{"batch_count": count, "batch_age_seconds": ageSeconds}
}
