package expression

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/rowflow/pkg/domain"
)

func TestShapeOfKind(t *testing.T) {
	tests := []struct {
		kind reflect.Kind
		want Shape
	}{
		{reflect.Bool, ShapeBoolean},
		{reflect.String, ShapeLabel},
		{reflect.Interface, ShapeDynamic},
		{reflect.Int, ShapeOther},
		{reflect.Float64, ShapeOther},
		{reflect.Invalid, ShapeOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShapeOfKind(tt.kind), tt.kind.String())
	}
}

func TestCompile_StaticShape(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   Shape
	}{
		{"comparison", `row.amount > 100`, ShapeBoolean},
		{"string literal", `"high"`, ShapeLabel},
		{"conditional label", `row.amount > 100 ? "high" : "low"`, ShapeLabel},
		{"field access", `row.status`, ShapeDynamic},
		{"arithmetic", `1 + 2`, ShapeOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(tt.source, GateEnv())
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Shape())
		})
	}
}

func TestCompile_SyntaxError(t *testing.T) {
	_, err := Compile(`row.amount >`, GateEnv())
	assert.Error(t, err)
}

func TestEvaluateLabel(t *testing.T) {
	c, err := Compile(`row.amount > 100`, GateEnv())
	require.NoError(t, err)

	label, err := c.EvaluateLabel(RowEnv(domain.Row{"amount": 150}))
	require.NoError(t, err)
	assert.Equal(t, "true", label)

	label, err = c.EvaluateLabel(RowEnv(domain.Row{"amount": 50}))
	require.NoError(t, err)
	assert.Equal(t, "false", label)
}

func TestEvaluateLabel_DynamicUsesSameClassifier(t *testing.T) {
	c, err := Compile(`row.decision`, GateEnv())
	require.NoError(t, err)
	require.Equal(t, ShapeDynamic, c.Shape())

	label, err := c.EvaluateLabel(RowEnv(domain.Row{"decision": "review"}))
	require.NoError(t, err)
	assert.Equal(t, "review", label)

	label, err = c.EvaluateLabel(RowEnv(domain.Row{"decision": true}))
	require.NoError(t, err)
	assert.Equal(t, "true", label)

	_, err = c.EvaluateLabel(RowEnv(domain.Row{"decision": 42}))
	assert.ErrorIs(t, err, domain.ErrConditionShape)
}

func TestEvaluateBool_Trigger(t *testing.T) {
	c, err := Compile(`batch_count >= 2 && batch_age_seconds > 1.5`, TriggerEnv())
	require.NoError(t, err)
	assert.Equal(t, ShapeBoolean, c.Shape())

	ok, err := c.EvaluateBool(TriggerValues(2, 2.0))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.EvaluateBool(TriggerValues(1, 2.0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateBool_RejectsNonBoolean(t *testing.T) {
	c, err := Compile(`"yes"`, TriggerEnv())
	require.NoError(t, err)

	_, err = c.EvaluateBool(TriggerValues(1, 0))
	assert.ErrorIs(t, err, domain.ErrConditionShape)
}

func TestValidateRouteLabels(t *testing.T) {
	assert.NoError(t, ValidateRouteLabels(ShapeBoolean, []string{"true", "false"}))
	assert.ErrorIs(t, ValidateRouteLabels(ShapeBoolean, []string{"high"}), domain.ErrConditionShape)
	assert.NoError(t, ValidateRouteLabels(ShapeLabel, []string{"high", "low"}))
	assert.NoError(t, ValidateRouteLabels(ShapeDynamic, []string{"anything"}))
	assert.ErrorIs(t, ValidateRouteLabels(ShapeOther, []string{"true"}), domain.ErrConditionShape)
}
