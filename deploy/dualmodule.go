package deploy

import (
	"github.com/pkg/errors"

	"github.com/Cherwayway/onediff/backends"
)

// dualModule pairs the original (eager) module with its backend-side
// counterpart -- the same logical module in the representation the compiler
// backend understands. When the host has no separate backend-side
// representation, both sides are the same module.
type dualModule struct {
	original      backends.Module
	backendModule backends.Module
}

func newDualModule(original, backendModule backends.Module) *dualModule {
	if backendModule == nil {
		backendModule = original
	}
	return &dualModule{original: original, backendModule: backendModule}
}

// Attr looks an attribute up on the backend-side module first and falls back
// to the original, the explicit counterpart of dynamic attribute delegation.
func (d *dualModule) Attr(name string) (any, bool) {
	if provider, ok := d.backendModule.(backends.AttrProvider); ok {
		if value, found := provider.Attr(name); found {
			return value, true
		}
	}
	if provider, ok := d.original.(backends.AttrProvider); ok {
		return provider.Attr(name)
	}
	return nil, false
}

// To moves both sides to the device. Modules that can't move reject the
// request.
func (d *dualModule) To(device backends.Device) error {
	mover, ok := d.original.(backends.DeviceMover)
	if !ok {
		return errors.Errorf("module %q does not support device moves", d.original.Name())
	}
	if err := mover.To(device); err != nil {
		return err
	}
	if d.backendModule != d.original {
		if mover, ok := d.backendModule.(backends.DeviceMover); ok {
			return mover.To(device)
		}
	}
	return nil
}

// Device of the original module.
func (d *dualModule) Device() backends.Device { return d.original.Device() }
