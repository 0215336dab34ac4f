// Package backends defines the interface a tensor compiler backend needs to
// implement to serve the deployable-module dispatch core, and a registry to
// select one at runtime.
//
// A backend compiles a host module into a Graph, an ahead-of-time compiled,
// replayable execution plan, and provides the data conversion between the
// host tensor representation and its own native buffers.
//
// To simplify error handling on the execution hot path, Graph.Execute is
// expected to throw (panic) with a stack trace in case of errors, see package
// github.com/gomlx/exceptions. The dispatch core converts those to errors at
// its boundary. Compilation and persistence return errors the usual way.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"

	"github.com/Cherwayway/onediff/types/tensors"
)

// Buffer is an opaque handle to a tensor in the backend's native
// representation. Only the backend that created it can interpret it.
type Buffer any

// Module is the host-side module (e.g. a UNet or VAE submodule) a backend
// can compile and the dispatch core can fall back to executing eagerly.
//
// Arguments and results are trees of []any / map[string]any with
// *tensors.Tensor or plain scalar leaves -- see the deploy package bridge.
type Module interface {
	// Name identifies the module, e.g. "unet". Backends use it to reattach
	// persisted graphs to their module.
	Name() string

	// Device where the module currently holds its parameters.
	Device() Device

	// Forward runs the module eagerly.
	Forward(args ...any) any
}

// ModelApplier is implemented by modules with a model-apply entry point
// separate from Forward (the LDM/SGM UNet calling convention).
type ModelApplier interface {
	ApplyModel(args ...any) any
}

// Decoder is implemented by modules with a decode entry point (VAE).
type Decoder interface {
	Decode(args ...any) any
}

// AttrProvider is the explicit fallback lookup for module attributes the
// wrapper doesn't know about: configuration values, sub-module handles, etc.
type AttrProvider interface {
	Attr(name string) (value any, found bool)
}

// DeviceMover is implemented by modules whose parameters can be moved across
// devices.
type DeviceMover interface {
	To(device Device) error
}

// EntryPoint selects which module entry point a compiled graph replays.
type EntryPoint string

const (
	EntryForward    EntryPoint = "forward"
	EntryApplyModel EntryPoint = "apply_model"
	EntryDecode     EntryPoint = "decode"
)

// GraphOptions configures the compilation of a single graph.
type GraphOptions struct {
	// DynamicShapes tolerates calls whose input structure differs from the
	// one recorded at the first build, compiling extra variants as needed.
	DynamicShapes bool

	// MaxCachedGraphSize bounds the number of per-shape variants a compiled
	// graph may hold. <= 0 means the backend default.
	MaxCachedGraphSize int

	// DebugLevel passed through to Graph.Debug after compilation.
	DebugLevel int
}

// Graph is a compiled executable produced by a Backend.
type Graph interface {
	// Execute replays the graph. Inputs and outputs are trees with Buffer
	// leaves. It panics (with a stack trace) on execution errors, including
	// input structure mismatches when dynamic shapes are disabled.
	Execute(args ...any) any

	// Bind switches which module entry point the graph replays. Backends
	// must support at least EntryForward; binding an entry point the module
	// doesn't provide panics.
	Bind(entry EntryPoint)

	// Debug sets the verbosity level of the backend for this graph.
	Debug(level int)

	// Device the graph was bound to at compilation. Immutable.
	Device() Device

	// NumInputs is the number of input leaves recorded at the first
	// execution, or -1 before the graph has run.
	NumInputs() int

	// Save persists the graph to path as an opaque blob tagged with the
	// graph's device.
	Save(path string) error

	// Finalize immediately frees backend resources held by the graph.
	Finalize()
}

// DataInterface converts tensors between the host representation and the
// backend's native buffers.
type DataInterface interface {
	// FromHost converts a host tensor to a backend buffer. The tensor must
	// be contiguous.
	FromHost(t *tensors.Tensor) Buffer

	// ToHost converts a buffer of this backend back to a host tensor.
	// It returns false if b is not a buffer of this backend, in which case
	// the value passes through the boundary unchanged.
	ToHost(b Buffer) (*tensors.Tensor, bool)
}

// Backend is the API a tensor compiler backend implements.
type Backend interface {
	// Name returns the short name of the backend, e.g. "eager".
	Name() string

	// Description is a longer description of the backend for pretty-printing.
	Description() string

	// Compile the module into a Graph bound to the module's current device.
	Compile(module Module, options GraphOptions) (Graph, error)

	// Load a graph previously persisted with Graph.Save. The returned graph
	// reports the device recorded in the file; callers validate it against
	// their requested device.
	Load(path string) (Graph, error)

	DataInterface

	// Finalize releases all resources associated with the backend.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name. To be safe, call
// Register during package initialization.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if ONEDIFF_BACKEND is not
// set. See NewWithConfig for the format.
var DefaultConfig string

// ONEDIFF_BACKEND is the environment variable with the default backend
// configuration, formatted as "<backend_name>:<backend_configuration>".
const ONEDIFF_BACKEND = "ONEDIFF_BACKEND"

// New returns a new Backend using, in order: the ONEDIFF_BACKEND environment
// variable, the DefaultConfig variable, or the first registered backend with
// an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	if config, found := os.LookupEnv(ONEDIFF_BACKEND); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Backend from a "<backend_name>:<backend_configuration>"
// string. An empty name selects the first registered backend.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- maybe import the reference one with import _ "github.com/Cherwayway/onediff/backends/eager"?`)
	}
	backendName := config
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	if backendName == "" {
		backendName = firstRegistered
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
