package shapes

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, 3, s.Dim(-1))
	assert.Equal(t, "(Float32)[2 3]", s.String())
	assert.True(t, s.Equal(Make(dtypes.Float32, 2, 3)))
	assert.False(t, s.Equal(Make(dtypes.Float32, 3, 2)))
	assert.False(t, s.Equal(Make(dtypes.Float64, 2, 3)))
	assert.True(t, s.EqualDimensions(Make(dtypes.Float64, 2, 3)))

	scalar := Scalar[int64]()
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())

	assert.False(t, Invalid().Ok())
	assert.False(t, Shape{}.Ok())
}

func TestShapeGobSerialization(t *testing.T) {
	s := Make(dtypes.Int32, 7)
	var buf bytes.Buffer
	require.NoError(t, s.GobSerialize(gob.NewEncoder(&buf)))
	s2, err := GobDeserialize(gob.NewDecoder(&buf))
	require.NoError(t, err)
	assert.True(t, s.Equal(s2))
}

func TestShapeJSON(t *testing.T) {
	s := Make(dtypes.Float64, 4, 5)
	data, err := json.Marshal(s)
	require.NoError(t, err)
	var s2 Shape
	require.NoError(t, json.Unmarshal(data, &s2))
	assert.True(t, s.Equal(s2))
}
