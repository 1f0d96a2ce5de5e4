package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	v := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(b))
}

func TestMarshalIsDeterministicAcrossFieldOrder(t *testing.T) {
	type s1 struct {
		Alpha string `json:"alpha"`
		Beta  int    `json:"beta"`
	}
	type s2 struct {
		Beta  int    `json:"beta"`
		Alpha string `json:"alpha"`
	}

	a, err := Marshal(s1{Alpha: "x", Beta: 2})
	require.NoError(t, err)
	b, err := Marshal(s2{Beta: 2, Alpha: "x"})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestHashDeterministic(t *testing.T) {
	h1, err := Hash(map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashChangesWithValue(t *testing.T) {
	h1, _ := Hash(map[string]any{"x": 1})
	h2, _ := Hash(map[string]any{"x": 2})
	assert.NotEqual(t, h1, h2)
}
