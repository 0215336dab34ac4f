package webui

import (
	"github.com/Cherwayway/onediff/backends"
)

// ModuleSlot is the host's mutable attachment point for a model submodule,
// e.g. the diffusion UNet inside a loaded pipeline. The host exposes it so
// the compiled module can be substituted in for the duration of a request.
type ModuleSlot interface {
	Get() backends.Module
	Set(module backends.Module)
}

// VarSlot adapts a plain module variable to the ModuleSlot interface.
type VarSlot struct {
	Module backends.Module
}

func (s *VarSlot) Get() backends.Module  { return s.Module }
func (s *VarSlot) Set(m backends.Module) { s.Module = m }

// WithCompiled installs compiled into slot, runs fn, and restores the
// original module before returning. The restore happens even when fn fails
// or panics, so later calls with acceleration disabled see the module they
// expect.
func WithCompiled(slot ModuleSlot, compiled backends.Module, fn func() error) error {
	original := slot.Get()
	slot.Set(compiled)
	defer slot.Set(original)
	return fn()
}
