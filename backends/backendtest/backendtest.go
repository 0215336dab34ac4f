// Package backendtest provides a toy module implementation used by tests
// across the repository.
package backendtest

import (
	"github.com/gomlx/exceptions"

	"github.com/Cherwayway/onediff/backends"
	"github.com/Cherwayway/onediff/types/argtree"
	"github.com/Cherwayway/onediff/types/tensors"
)

// ScaleModule is a module whose forward pass multiplies every float32 tensor
// leaf by Factor. It implements the optional capabilities the dispatch core
// knows about: ApplyModel (adds Bias instead), Decode (halves), Attr and To.
//
// ForwardCalls counts eager executions, which tests use to distinguish
// compiled dispatch from eager fallback.
type ScaleModule struct {
	ModuleName string
	Factor     float32
	Bias       float32
	Dev        backends.Device

	ForwardCalls    int
	ApplyModelCalls int
	DecodeCalls     int
}

var (
	_ backends.Module       = (*ScaleModule)(nil)
	_ backends.ModelApplier = (*ScaleModule)(nil)
	_ backends.Decoder      = (*ScaleModule)(nil)
	_ backends.AttrProvider = (*ScaleModule)(nil)
	_ backends.DeviceMover  = (*ScaleModule)(nil)
)

// NewScaleModule on device "cpu" with factor 2.
func NewScaleModule(name string) *ScaleModule {
	return &ScaleModule{ModuleName: name, Factor: 2, Bias: 1, Dev: "cpu"}
}

func (m *ScaleModule) Name() string            { return m.ModuleName }
func (m *ScaleModule) Device() backends.Device { return m.Dev }
func (m *ScaleModule) To(d backends.Device) error {
	m.Dev = d
	return nil
}

// Attr exposes the factor to attribute-delegation tests.
func (m *ScaleModule) Attr(name string) (any, bool) {
	switch name {
	case "factor":
		return m.Factor, true
	case "bias":
		return m.Bias, true
	}
	return nil, false
}

func (m *ScaleModule) Forward(args ...any) any {
	m.ForwardCalls++
	return m.mapArgs(args, func(v float32) float32 { return v * m.Factor })
}

func (m *ScaleModule) ApplyModel(args ...any) any {
	m.ApplyModelCalls++
	return m.mapArgs(args, func(v float32) float32 { return v + m.Bias })
}

func (m *ScaleModule) Decode(args ...any) any {
	m.DecodeCalls++
	return m.mapArgs(args, func(v float32) float32 { return v / 2 })
}

// mapArgs applies fn to every float32 tensor leaf. A single argument returns
// its mapped tree directly; multiple arguments return a tuple ([]any),
// matching the host calling convention.
func (m *ScaleModule) mapArgs(args []any, fn func(float32) float32) any {
	mapLeaf := func(leaf any) any {
		t, ok := leaf.(*tensors.Tensor)
		if !ok {
			return leaf
		}
		flat := tensors.FlatOf[float32](t)
		out := make([]float32, len(flat))
		for ii, v := range flat {
			out[ii] = fn(v)
		}
		dims := t.Dims()
		if dims == nil {
			return tensors.FromScalar(out[0])
		}
		return tensors.FromFlat(out, dims...)
	}
	if len(args) == 1 {
		return argtree.Map(args[0], mapLeaf)
	}
	mapped := make([]any, len(args))
	for ii, arg := range args {
		mapped[ii] = argtree.Map(arg, mapLeaf)
	}
	return mapped
}

// PanickyModule always panics in Forward, for error-propagation tests.
type PanickyModule struct {
	ModuleName string
	Dev        backends.Device
}

func (m *PanickyModule) Name() string            { return m.ModuleName }
func (m *PanickyModule) Device() backends.Device { return m.Dev }
func (m *PanickyModule) Forward(args ...any) any {
	exceptions.Panicf("module %q exploded", m.ModuleName)
	return nil
}
