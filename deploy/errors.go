package deploy

import (
	"fmt"

	"github.com/Cherwayway/onediff/backends"
)

// DeviceMismatchError is returned when a device move or a graph load
// conflicts with the device a graph was bound to at build time. The binding
// is immutable: there is no implicit migration.
type DeviceMismatchError struct {
	Current   backends.Device
	Requested backends.Device
}

func (e *DeviceMismatchError) Error() string {
	return fmt.Sprintf(
		"after a graph is built its device can't be modified, current device: %s, requested device: %s",
		e.Current, e.Requested)
}

// CompilationFailureError wraps a backend compilation error with the module
// it was compiling.
type CompilationFailureError struct {
	Module string
	Err    error
}

func (e *CompilationFailureError) Error() string {
	return fmt.Sprintf("compiling module %q failed: %v", e.Module, e.Err)
}

func (e *CompilationFailureError) Unwrap() error { return e.Err }

// BuildVsLoadConflictError is returned when a graph loaded from disk records
// an input structure incompatible with the current inputs.
type BuildVsLoadConflictError struct {
	Path     string
	Recorded int
	Current  int
}

func (e *BuildVsLoadConflictError) Error() string {
	return fmt.Sprintf(
		"graph loaded from %q records %d input tensors, current call has %d -- the persisted graph is incompatible with these inputs",
		e.Path, e.Recorded, e.Current)
}

// UnsupportedModuleTypeError marks a module architecture the system doesn't
// recognize for compilation. Callers degrade gracefully: they keep the
// uncompiled module and log a warning instead of failing.
type UnsupportedModuleTypeError struct {
	Module string
}

func (e *UnsupportedModuleTypeError) Error() string {
	return fmt.Sprintf("unsupported module type for compilation: %q", e.Module)
}

// EntryPointError annotates an error raised inside a backend execution with
// the wrapper entry point that triggered it.
type EntryPointError struct {
	Entry backends.EntryPoint
	Err   error
}

func (e *EntryPointError) Error() string {
	return fmt.Sprintf("deployable module entry point %q: %v", e.Entry, e.Err)
}

func (e *EntryPointError) Unwrap() error { return e.Err }
