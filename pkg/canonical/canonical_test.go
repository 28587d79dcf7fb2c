package canonical

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_IgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": "1", "x": "2"}}
	b := map[string]any{"nested": map[string]any{"x": "2", "y": "1"}, "a": 1, "b": 2}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestHash_ContentChangesHash(t *testing.T) {
	ha, err := Hash(map[string]any{"a": 1})
	require.NoError(t, err)
	hb, err := Hash(map[string]any{"a": 2})
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestMarshal_NoHTMLEscape(t *testing.T) {
	data, err := Marshal(map[string]any{"html": "<b>&</b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<b>&</b>"}`, string(data))
}

func TestHash_RejectsNaN(t *testing.T) {
	_, err := Hash(map[string]any{"v": math.NaN()})
	assert.Error(t, err)
}

func TestHashParts_LengthPrefixed(t *testing.T) {
	h1, err := HashParts("ab", "c")
	require.NoError(t, err)
	h2, err := HashParts("a", "bc")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
