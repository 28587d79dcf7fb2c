package builtin

import (
	"context"
	"errors"

	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/expression"
	"github.com/aescanero/rowflow/pkg/ports"
)

// ExpressionGateOptions configures an expression gate.
type ExpressionGateOptions struct {
	Condition string `json:"condition"`
}

// ExpressionGate routes by the label its condition selects: "true" or
// "false" for a boolean condition, the returned string otherwise. The graph
// validates the configured routes against the condition's shape.
type ExpressionGate struct {
	cond *expression.Condition
}

func NewExpressionGate(opts ExpressionGateOptions) (*ExpressionGate, error) {
	if opts.Condition == "" {
		return nil, errors.New("expression gate: condition is required")
	}
	c, err := expression.Compile(opts.Condition, expression.GateEnv())
	if err != nil {
		return nil, err
	}
	return &ExpressionGate{cond: c}, nil
}

func (g *ExpressionGate) Name() string { return "expression_gate" }

func (g *ExpressionGate) Condition() *expression.Condition { return g.cond }

func (g *ExpressionGate) Evaluate(ctx context.Context, row domain.Row, pctx ports.PluginContext) (domain.GateResult, error) {
	label, err := g.cond.EvaluateLabel(expression.RowEnv(row))
	if err != nil {
		return domain.GateResult{}, err
	}
	return domain.GateResult{Row: row, Action: domain.RouteTo{Label: label}}, nil
}

// ForkGate sends every row down all of the listed branches.
type ForkGate struct {
	branches []string
}

// ForkGateOptions lists the branches a ForkGate forks to.
type ForkGateOptions struct {
	Branches []string `json:"branches"`
}

func NewForkGate(opts ForkGateOptions) (*ForkGate, error) {
	if len(opts.Branches) == 0 {
		return nil, errors.New("fork gate: branches are required")
	}
	return &ForkGate{branches: append([]string(nil), opts.Branches...)}, nil
}

func (g *ForkGate) Name() string { return "fork_gate" }

func (g *ForkGate) Evaluate(ctx context.Context, row domain.Row, pctx ports.PluginContext) (domain.GateResult, error) {
	return domain.GateResult{Row: row, Action: domain.ForkTo{Branches: g.branches}}, nil
}
