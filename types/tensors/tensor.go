// Package tensors provides the host-side tensor representation used at the
// boundary between eager module execution and compiled backend graphs.
//
// A Tensor is a dense multidimensional array with a DType (see
// github.com/gomlx/gopjrt/dtypes) and a flat backing slice. Tensors created
// with FromFlat or FromScalar are contiguous (row-major, densely packed).
// Views created with Transposed share the backing slice but are not
// contiguous; Contiguous materializes a packed copy, which is required before
// handing data to a backend.
//
// Float16 values use the github.com/x448/float16 representation, same as the
// rest of the ecosystem.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a host tensor: dtype, dimensions and flat data.
//
// The zero value is invalid; use FromFlat, FromScalar or Float16FromFloat32.
type Tensor struct {
	dtype dtypes.DType
	dims  []int

	// flat is a slice of dtype.GoType() with one element per position of the
	// *backing* buffer. For contiguous tensors len(flat) == Size().
	flat any

	// strides per axis, in elements. nil means contiguous row-major.
	strides []int
}

// FromFlat creates a contiguous tensor from a flat slice and dimensions.
// A scalar is created with no dimensions.
//
// It panics if the flat slice doesn't match the product of the dimensions,
// following the convention that invalid construction is a programming error.
func FromFlat[T dtypes.Supported](flat []T, dims ...int) *Tensor {
	size := 1
	for _, dim := range dims {
		if dim <= 0 {
			exceptions.Panicf("tensors.FromFlat: invalid dimension %d in %v", dim, dims)
		}
		size *= dim
	}
	if len(flat) != size {
		exceptions.Panicf("tensors.FromFlat: flat data has %d elements, dimensions %v require %d",
			len(flat), dims, size)
	}
	return &Tensor{
		dtype: dtypes.FromGenericsType[T](),
		dims:  append([]int{}, dims...),
		flat:  flat,
	}
}

// FromScalar creates a scalar tensor holding v.
func FromScalar[T dtypes.Supported](v T) *Tensor {
	return FromFlat([]T{v})
}

// Float16FromFloat32 creates a Float16 tensor converting the given float32
// values. Conversion uses IEEE 754 binary16 with round-to-nearest-even.
func Float16FromFloat32(values []float32, dims ...int) *Tensor {
	flat := make([]float16.Float16, len(values))
	for ii, v := range values {
		flat[ii] = float16.Fromfloat32(v)
	}
	return FromFlat(flat, dims...)
}

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Dims returns a copy of the tensor dimensions. Scalars return nil.
func (t *Tensor) Dims() []int {
	if len(t.dims) == 0 {
		return nil
	}
	return append([]int{}, t.dims...)
}

// Rank of the tensor. Scalars have rank 0.
func (t *Tensor) Rank() int { return len(t.dims) }

// IsScalar returns whether the tensor holds a single value and has rank 0.
func (t *Tensor) IsScalar() bool { return len(t.dims) == 0 }

// Size is the number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

// Memory is the number of bytes used to store the tensor data, once packed.
func (t *Tensor) Memory() uintptr {
	return t.dtype.Memory() * uintptr(t.Size())
}

// IsContiguous reports whether the data is densely packed in row-major order.
func (t *Tensor) IsContiguous() bool { return t.strides == nil }

// rowMajorStrides for the current dimensions.
func (t *Tensor) rowMajorStrides() []int {
	strides := make([]int, len(t.dims))
	stride := 1
	for axis := len(t.dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= t.dims[axis]
	}
	return strides
}

// Transposed returns a view with the last two axes swapped. The view shares
// the backing data and is not contiguous.
//
// It panics for tensors of rank < 2.
func (t *Tensor) Transposed() *Tensor {
	if len(t.dims) < 2 {
		exceptions.Panicf("tensors.Transposed: requires rank >= 2, got shape %s", t)
	}
	strides := t.strides
	if strides == nil {
		strides = t.rowMajorStrides()
	} else {
		strides = append([]int{}, strides...)
	}
	dims := append([]int{}, t.dims...)
	last := len(dims) - 1
	dims[last], dims[last-1] = dims[last-1], dims[last]
	strides[last], strides[last-1] = strides[last-1], strides[last]
	return &Tensor{dtype: t.dtype, dims: dims, flat: t.flat, strides: strides}
}

// Contiguous returns t itself if it is already contiguous, otherwise a packed
// row-major copy. Backends only accept contiguous data.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	srcV := reflect.ValueOf(t.flat)
	size := t.Size()
	dstV := reflect.MakeSlice(srcV.Type(), size, size)

	// Odometer walk over the logical indices, reading through the strides.
	indices := make([]int, len(t.dims))
	for pos := 0; pos < size; pos++ {
		srcPos := 0
		for axis, idx := range indices {
			srcPos += idx * t.strides[axis]
		}
		dstV.Index(pos).Set(srcV.Index(srcPos))
		for axis := len(indices) - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < t.dims[axis] {
				break
			}
			indices[axis] = 0
		}
	}
	return &Tensor{dtype: t.dtype, dims: append([]int{}, t.dims...), flat: dstV.Interface()}
}

// Flat returns the packed flat data as a slice of the DType's Go type.
// For non-contiguous views this packs a copy first.
func (t *Tensor) Flat() any {
	return t.Contiguous().flat
}

// FlatOf returns the packed flat data asserting its element type.
// It panics if T doesn't match the tensor DType.
func FlatOf[T dtypes.Supported](t *Tensor) []T {
	if t.dtype != dtypes.FromGenericsType[T]() {
		exceptions.Panicf("tensors.FlatOf[%s]: tensor has dtype %s",
			dtypes.FromGenericsType[T](), t.dtype)
	}
	return t.Flat().([]T)
}

// Clone returns a contiguous deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	packed := t.Contiguous()
	srcV := reflect.ValueOf(packed.flat)
	dstV := reflect.MakeSlice(srcV.Type(), srcV.Len(), srcV.Len())
	reflect.Copy(dstV, srcV)
	return &Tensor{dtype: t.dtype, dims: append([]int{}, t.dims...), flat: dstV.Interface()}
}

// Equal reports whether both tensors have the same dtype, dimensions and
// bit-exact element values. Layout (contiguity) is not part of the value.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.dtype != other.dtype || !reflect.DeepEqual(t.dims, other.dims) {
		return false
	}
	return reflect.DeepEqual(t.Contiguous().flat, other.Contiguous().flat)
}

// String formats as "(dtype)[dims]", e.g. "(Float32)[2 3]".
func (t *Tensor) String() string {
	if t == nil {
		return "(nil Tensor)"
	}
	return fmt.Sprintf("(%s)%v", t.dtype, t.dims)
}

// assertValid panics on nil or uninitialized tensors.
func (t *Tensor) assertValid() {
	if t == nil {
		exceptions.Panicf("tensors: nil Tensor")
	}
	if t.flat == nil {
		exceptions.Panicf("tensors: uninitialized Tensor, use FromFlat or FromScalar")
	}
}

// errNilTensor is returned by serialization entry points, which report I/O
// style problems as errors instead of panicking.
var errNilTensor = errors.New("tensors: nil Tensor")
