package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/ports"
)

// SummarizeOptions configures a numeric batch summary.
type SummarizeOptions struct {
	Field string `json:"field"`
	// PerRow annotates each buffered row with the batch summary instead of
	// producing one summary row. Use it with passthrough output mode.
	PerRow bool `json:"per_row"`
}

// Summarize reduces a batch to count, sum, min, max and mean of one numeric
// field. A non-numeric value fails the batch.
type Summarize struct {
	opts SummarizeOptions
}

func NewSummarize(opts SummarizeOptions) (*Summarize, error) {
	if opts.Field == "" {
		return nil, errors.New("summarize: field is required")
	}
	return &Summarize{opts: opts}, nil
}

func (s *Summarize) Name() string { return "summarize" }

func (s *Summarize) ProcessBatch(ctx context.Context, rows []domain.Row, pctx ports.PluginContext) (domain.TransformResult, error) {
	if len(rows) == 0 {
		return domain.Error("empty_batch", "summarize received no rows", false), nil
	}

	var (
		sum      float64
		lo, hi = math.Inf(1), math.Inf(-1)
	)
	for i, row := range rows {
		v, ok := number(row[s.opts.Field])
		if !ok {
			return domain.Error("non_numeric_value", fmt.Sprintf("row %d: field %s is %T", i, s.opts.Field, row[s.opts.Field]), false), nil
		}
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	summary := domain.Row{
		"count": len(rows),
		"sum":   sum,
		"min":   lo,
		"max":   hi,
		"mean":  sum / float64(len(rows)),
	}

	if !s.opts.PerRow {
		return domain.Success(summary), nil
	}
	out := make([]domain.Row, len(rows))
	for i, row := range rows {
		annotated := row.Clone()
		annotated["summary"] = map[string]any(summary.Clone())
		out[i] = annotated
	}
	return domain.SuccessMulti(out...), nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
