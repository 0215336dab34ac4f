package deploy

import (
	"github.com/Cherwayway/onediff/backends"
)

// moduleFacade adapts a DeployableModule to the backends.Module surface so
// the wrapper can be substituted into a host module slot in place of the
// original. Entry-point errors are re-raised as panics, matching the
// execution contract of that surface; hosts that want errors call the
// wrapper methods directly.
type moduleFacade struct {
	m *DeployableModule
}

var (
	_ backends.Module       = (*moduleFacade)(nil)
	_ backends.ModelApplier = (*moduleFacade)(nil)
	_ backends.Decoder      = (*moduleFacade)(nil)
	_ backends.AttrProvider = (*moduleFacade)(nil)
	_ backends.DeviceMover  = (*moduleFacade)(nil)
)

// AsModule returns a backends.Module view of the wrapper.
func (m *DeployableModule) AsModule() backends.Module {
	return &moduleFacade{m: m}
}

// Unwrap returns the DeployableModule behind a facade, or nil if module is
// not one.
func Unwrap(module backends.Module) *DeployableModule {
	if facade, ok := module.(*moduleFacade); ok {
		return facade.m
	}
	return nil
}

func (f *moduleFacade) Name() string            { return f.m.Name() }
func (f *moduleFacade) Device() backends.Device { return f.m.Device() }

func (f *moduleFacade) Forward(args ...any) any {
	output, err := f.m.Forward(args...)
	if err != nil {
		panic(err)
	}
	return output
}

func (f *moduleFacade) ApplyModel(args ...any) any {
	output, err := f.m.ApplyModel(args...)
	if err != nil {
		panic(err)
	}
	return output
}

func (f *moduleFacade) Decode(args ...any) any {
	output, err := f.m.Decode(args...)
	if err != nil {
		panic(err)
	}
	return output
}

func (f *moduleFacade) Attr(name string) (any, bool) { return f.m.Attr(name) }

func (f *moduleFacade) To(device backends.Device) error { return f.m.To(device) }
