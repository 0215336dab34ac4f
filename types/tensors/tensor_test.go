package tensors

import (
	"bytes"
	"encoding/gob"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromFlat(t *testing.T) {
	tensor := FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, dtypes.Float32, tensor.DType())
	assert.Equal(t, []int{2, 3}, tensor.Dims())
	assert.Equal(t, 2, tensor.Rank())
	assert.Equal(t, 6, tensor.Size())
	assert.True(t, tensor.IsContiguous())

	scalar := FromScalar(int64(7))
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())

	assert.Panics(t, func() { FromFlat([]float32{1, 2, 3}, 2, 2) })
	assert.Panics(t, func() { FromFlat([]float32{1, 2}, -1, 2) })
}

func TestTransposedAndContiguous(t *testing.T) {
	tensor := FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	view := tensor.Transposed()
	assert.Equal(t, []int{3, 2}, view.Dims())
	assert.False(t, view.IsContiguous())

	packed := view.Contiguous()
	assert.True(t, packed.IsContiguous())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, FlatOf[float32](packed))

	// Contiguous of a contiguous tensor is the identity.
	assert.Same(t, tensor, tensor.Contiguous())

	assert.Panics(t, func() { FromScalar(float32(1)).Transposed() })
}

func TestEqualAndClone(t *testing.T) {
	a := FromFlat([]int32{1, 2, 3, 4}, 2, 2)
	b := FromFlat([]int32{1, 2, 3, 4}, 2, 2)
	c := FromFlat([]int32{1, 2, 3, 5}, 2, 2)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(FromFlat([]int32{1, 2, 3, 4}, 4)))

	// A transposed view of a symmetric layout compares by value, not layout.
	square := FromFlat([]float64{1, 2, 2, 1}, 2, 2)
	assert.True(t, square.Equal(square.Transposed().Contiguous()))

	clone := a.Clone()
	assert.True(t, a.Equal(clone))
	FlatOf[int32](clone)[0] = 99
	assert.True(t, a.Equal(b), "mutating a clone must not affect the original")
}

func TestFloat16FromFloat32(t *testing.T) {
	tensor := Float16FromFloat32([]float32{1, -2, 0.5}, 3)
	assert.Equal(t, dtypes.Float16, tensor.DType())
	flat := FlatOf[float16.Float16](tensor)
	require.Len(t, flat, 3)
	assert.Equal(t, float32(1), flat[0].Float32())
	assert.Equal(t, float32(-2), flat[1].Float32())
	assert.Equal(t, float32(0.5), flat[2].Float32())
}

func TestGobRoundTrip(t *testing.T) {
	tensor := FromFlat([]float64{1.5, -2.25, 3, 4, 5, 6}, 3, 2).Transposed()
	var buf bytes.Buffer
	require.NoError(t, tensor.GobSerialize(gob.NewEncoder(&buf)))
	recovered, err := GobDeserialize(gob.NewDecoder(&buf))
	require.NoError(t, err)
	assert.True(t, tensor.Equal(recovered))
	assert.True(t, recovered.IsContiguous(), "serialized form is packed")
}

func TestSaveLoad(t *testing.T) {
	tensor := FromFlat([]uint8{1, 2, 3, 4}, 4)
	path := filepath.Join(t.TempDir(), "tensor.bin")
	require.NoError(t, tensor.Save(path))
	recovered, err := Load(path)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(recovered))

	_, err = Load(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}
