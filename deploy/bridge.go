package deploy

import (
	"github.com/Cherwayway/onediff/backends"
	"github.com/Cherwayway/onediff/types/argtree"
	"github.com/Cherwayway/onediff/types/tensors"
)

// Bridge converts nested input/output structures between the host tensor
// representation and a backend's native one. The conversion is a pure
// representation change: structure is preserved, non-tensor leaves pass
// through unchanged, and a round trip is bit-exact.
type Bridge struct {
	backend backends.Backend
}

// NewBridge for the given backend.
func NewBridge(backend backends.Backend) *Bridge {
	return &Bridge{backend: backend}
}

// ToBackend converts every *tensors.Tensor leaf of v to the backend's
// native representation, forcing a contiguous layout on the way in.
func (b *Bridge) ToBackend(v any) any {
	return argtree.Map(v, func(leaf any) any {
		if t, ok := leaf.(*tensors.Tensor); ok {
			return b.backend.FromHost(t.Contiguous())
		}
		return leaf
	})
}

// ToHost converts every backend buffer leaf of v back to a host tensor.
// A plain tuple ([]any) of buffers converts element-wise preserving its
// shape; a single buffer converts to a single tensor.
func (b *Bridge) ToHost(v any) any {
	return argtree.Map(v, func(leaf any) any {
		if t, ok := b.backend.ToHost(leaf); ok {
			return t
		}
		return leaf
	})
}

// CountTensorLeaves of a host-side tree, the structure expectation a built
// graph is held to.
func (b *Bridge) CountTensorLeaves(v any) int {
	return argtree.CountIf(v, func(leaf any) bool {
		_, ok := leaf.(*tensors.Tensor)
		return ok
	})
}
