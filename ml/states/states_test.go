package states

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paxgo/pax/ml/nested"
	"github.com/paxgo/pax/types/shapes"
	"github.com/paxgo/pax/types/tensors"
)

func testState(step int64) *TrainState {
	mdlVars := nested.Branch[Value]().
		Set("layer1", nested.Branch[Value]().
			Set("w", nested.Leaf[Value](tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2))).
			Set("b", nested.Leaf[Value](tensors.FromFlatDataAndDimensions([]float32{0.5, -0.5}, 2))))
	optStates := nested.Branch[Value]().
		Set("momentum", nested.Branch[Value]().
			Set("layer1", nested.Branch[Value]().
				Set("w", nested.Leaf[Value](tensors.FromScalarAndDimensions(float32(0), 2, 2))).
				Set("b", nested.Leaf[Value](Masked{}))))
	return New(step, mdlVars, optStates)
}

func TestTreeRoundTrip(t *testing.T) {
	state := testState(7)
	tree := state.Tree()
	assert.Equal(t, 5, tree.NumLeaves())

	rebuilt, err := FromTree(tree)
	require.NoError(t, err)
	assert.True(t, state.Equal(rebuilt))
}

func TestStepValue(t *testing.T) {
	state := testState(42)
	step, err := state.StepValue()
	require.NoError(t, err)
	assert.Equal(t, int64(42), step)

	// Replicated across 4 workers: collapses to one scalar.
	state.Step = tensors.FromScalarAndDimensions(int64(13), 4)
	step, err = state.StepValue()
	require.NoError(t, err)
	assert.Equal(t, int64(13), step)

	state.Step = tensors.FromScalar(float32(1))
	_, err = state.StepValue()
	require.Error(t, err)
}

func TestShapeStruct(t *testing.T) {
	state := testState(1)
	target := state.ShapeStruct()

	stepShape, ok := target.Step.(shapes.Shape)
	require.True(t, ok)
	assert.True(t, stepShape.Equal(shapes.Scalar[int64]()))

	w := target.MdlVars.Get("layer1").Get("w").Value()
	wShape, ok := w.(shapes.Shape)
	require.True(t, ok)
	assert.True(t, wShape.Equal(shapes.Make(dtypes.Float32, 2, 2)))

	// Masked positions stay masked in the shape struct.
	b := target.OptStates.Get("momentum").Get("layer1").Get("b").Value()
	assert.True(t, IsMasked(b))
}

func TestValueEqual(t *testing.T) {
	assert.True(t, ValueEqual(Masked{}, Masked{}))
	assert.False(t, ValueEqual(Masked{}, tensors.FromScalar(int64(0))))
	assert.True(t, ValueEqual(tensors.FromScalar(int64(3)), tensors.FromScalar(int64(3))))
	assert.False(t, ValueEqual(tensors.FromScalar(int64(3)), tensors.FromScalar(int64(4))))
	assert.True(t, ValueEqual(shapes.Scalar[float32](), shapes.Scalar[float32]()))
}
