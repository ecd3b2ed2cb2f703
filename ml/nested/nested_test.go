package nested

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTree() *Tree[int] {
	return Branch[int]().
		Set("mdl_vars", Branch[int]().
			Set("w", Leaf(1)).
			Set("b", Leaf(2))).
		Set("opt_states", Branch[int]().
			Set("m", Leaf(3))).
		Set("step", Leaf(4))
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	tree := testTree()
	leaves, def := Flatten(tree)
	// Canonical order: depth-first, lexicographic keys at each level.
	assert.Equal(t, []int{2, 1, 3, 4}, leaves)
	assert.Equal(t, 4, def.NumLeaves())

	rebuilt, err := Unflatten(def, leaves)
	require.NoError(t, err)
	assert.True(t, Equal(tree, rebuilt, func(a, b int) bool { return a == b }))
}

func TestUnflattenCountMismatch(t *testing.T) {
	_, def := Flatten(testTree())
	_, err := Unflatten(def, []int{1, 2, 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4 leaf positions")
}

func TestTreeDef(t *testing.T) {
	_, def := Flatten(testTree())
	assert.Equal(t, "{mdl_vars:{b:*,w:*},opt_states:{m:*},step:*}", def.String())

	_, def2 := Flatten(testTree())
	assert.True(t, def.Equal(def2))

	other := Branch[int]().Set("step", Leaf(0))
	_, def3 := Flatten(other)
	assert.False(t, def.Equal(def3))

	// TreeDef must survive gob, it is stored with legacy checkpoints.
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(def))
	var decoded *TreeDef
	require.NoError(t, gob.NewDecoder(&buf).Decode(&decoded))
	assert.True(t, def.Equal(decoded))
}

func TestFlattenWithNames(t *testing.T) {
	tree := Branch[int]().
		Set("layers[0]", Branch[int]().
			Set("w", Leaf(1))).
		Set("bias/raw", Leaf(2))
	names, leaves := FlattenWithNames(tree, "mdl_vars")
	assert.Equal(t, []string{"mdl_vars.bias_raw", "mdl_vars.layers_0.w"}, names)
	assert.Equal(t, []int{2, 1}, leaves)
}

func TestMapAndString(t *testing.T) {
	tree := testTree()
	doubled := Map(tree, func(v int) int { return 2 * v })
	leaves, _ := Flatten(doubled)
	assert.Equal(t, []int{4, 2, 6, 8}, leaves)
	assert.Equal(t, "{mdl_vars: {b: 2, w: 1}, opt_states: {m: 3}, step: 4}", tree.String())
}
