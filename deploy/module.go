// Package deploy implements the compiled-graph caching and dispatch core: a
// DeployableModule transparently stands in for an original module, routing
// calls to an ahead-of-time compiled backend graph when one is available and
// falling back to eager execution when it is not.
//
// The package owns the decisions around graph reuse: when a cached compiled
// graph is still valid, when it must be rebuilt, how compiled artifacts are
// persisted and restored from disk, and how inputs and outputs cross the
// eager/compiled boundary without changing module semantics.
//
// Wrappers are single-threaded: no entry point is safe to call concurrently
// against the same wrapper, and compilation blocks the caller. Concurrent
// use requires external locking by the host.
package deploy

import (
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Cherwayway/onediff/backends"
	"github.com/Cherwayway/onediff/quant"
)

// DeployableModule wraps exactly one original module and, lazily, one
// compiled graph handle. It presents the original module's calling surface
// (Forward, ApplyModel, Decode, To, attribute lookup) while redirecting to
// the compiled path.
type DeployableModule struct {
	backend backends.Backend
	bridge  *Bridge
	model   *dualModule

	dynamic bool
	options *CompileOptions

	handle      *GraphHandle
	cache       *GraphCache
	identity    ModuleIdentity
	hasIdentity bool

	quantizer     quant.Quantizer
	quantConfig   *quant.Config
	calibrateInfo quant.CalibrateInfo
	quantApplied  bool

	// inputCount is the tensor-leaf expectation recorded at the first
	// successful dispatch; -1 until then.
	inputCount int

	// graphFileChecked: the graph-file load attempt happens at most once
	// per configured path.
	graphFileChecked bool
	saveAfterBuild   bool

	// useInterpreter forces eager execution of the backend-side module,
	// read from ONEDIFF_INFER_COMPILER_USE_INTERPRETER at construction.
	useInterpreter bool
}

// New wraps module for backend. backendModule is the backend-side
// counterpart of module, or nil when they are the same. dynamic tolerates
// input-structure changes across calls; options nil means defaults.
func New(backend backends.Backend, module, backendModule backends.Module, dynamic bool, options *CompileOptions) *DeployableModule {
	if options == nil {
		options = DefaultCompileOptions()
	} else {
		options = options.clone()
	}
	return &DeployableModule{
		backend:        backend,
		bridge:         NewBridge(backend),
		model:          newDualModule(module, backendModule),
		dynamic:        dynamic,
		options:        options,
		cache:          NewGraphCache(0),
		inputCount:     -1,
		useInterpreter: ParseBooleanFromEnv(EnvUseInterpreter, false),
	}
}

// WithCache attaches a (possibly shared) graph cache and the identity this
// wrapper's graph is stored under. It returns the wrapper for chaining.
func (m *DeployableModule) WithCache(cache *GraphCache, identity ModuleIdentity) *DeployableModule {
	m.cache = cache
	m.identity = identity
	m.hasIdentity = true
	return m
}

// FromExisting produces a new wrapper around the same original+backend
// module pair, reusing the existing compiled graph handle, warm-up state,
// input-count expectation and quantization config. Used when options change
// but the compiled artifact should be reused rather than rebuilt.
func FromExisting(existing *DeployableModule, dynamic bool, options *CompileOptions) *DeployableModule {
	m := New(existing.backend, existing.model.original, existing.model.backendModule, dynamic, options)
	m.handle = existing.handle
	m.cache = existing.cache
	m.identity = existing.identity
	m.hasIdentity = existing.hasIdentity
	m.inputCount = existing.inputCount
	m.quantizer = existing.quantizer
	m.quantConfig = existing.quantConfig
	m.calibrateInfo = existing.calibrateInfo
	m.quantApplied = existing.quantApplied
	return m
}

// Module returns the wrapped original module.
func (m *DeployableModule) Module() backends.Module { return m.model.original }

// Name of the wrapped module.
func (m *DeployableModule) Name() string { return m.model.original.Name() }

// Device of the wrapped module.
func (m *DeployableModule) Device() backends.Device { return m.model.Device() }

// Attr delegates attribute lookup to the dual module: backend-side first,
// then the original.
func (m *DeployableModule) Attr(name string) (any, bool) { return m.model.Attr(name) }

// Options returns a copy of the current compile options snapshot.
func (m *DeployableModule) Options() CompileOptions { return *m.options }

// Handle exposes the current graph handle, or nil before the first build.
func (m *DeployableModule) Handle() *GraphHandle { return m.handle }

// SetQuantizer attaches the external quantization collaborator consulted at
// the next build when a quantization config is present.
func (m *DeployableModule) SetQuantizer(q quant.Quantizer) { m.quantizer = q }

// ApplyOnlineQuant stores the quantization configuration for the next build
// to consult. It does not itself perform quantization; if a graph is already
// built it is discarded, so the next call rebuilds through the quantizer.
// Re-applying a config that already took effect is a no-op.
func (m *DeployableModule) ApplyOnlineQuant(config quant.Config) {
	if m.quantApplied && m.quantConfig != nil && *m.quantConfig == config {
		return
	}
	m.quantConfig = &config
	m.quantApplied = false
	if m.handle != nil && m.handle.State() == StateBuilt {
		m.clearOldGraph()
	}
}

// SetCalibrateInfo attaches per-layer calibration data handed to the
// quantizer alongside the config. May be nil.
func (m *DeployableModule) SetCalibrateInfo(info quant.CalibrateInfo) {
	m.calibrateInfo = info
}

// Finalize tears down the built graph and releases the backend resources it
// holds. The wrapper stays usable: the next entry-point call rebuilds.
func (m *DeployableModule) Finalize() {
	m.clearOldGraph()
}

// Forward runs the module's forward entry point through the compiled path
// (or eagerly, see CompileOptions.UseGraph).
func (m *DeployableModule) Forward(args ...any) (any, error) {
	return m.dispatch(backends.EntryForward, args)
}

// ApplyModel runs the model-apply entry point (LDM/SGM UNet convention).
func (m *DeployableModule) ApplyModel(args ...any) (any, error) {
	return m.dispatch(backends.EntryApplyModel, args)
}

// Decode runs the decode entry point (VAE).
func (m *DeployableModule) Decode(args ...any) (any, error) {
	return m.dispatch(backends.EntryDecode, args)
}

// To moves the wrapper to a device. Before any graph is built the move
// delegates to the module. Once a graph is built its device binding is
// immutable: moving to a different device fails with DeviceMismatchError,
// leaving the graph intact.
func (m *DeployableModule) To(device backends.Device) error {
	if m.handle == nil || m.handle.State() != StateBuilt {
		return m.model.To(device)
	}
	current := m.handle.Graph().Device()
	if !current.Equal(device) {
		return &DeviceMismatchError{Current: current, Requested: device}
	}
	return m.model.To(device)
}

// GraphFile returns the configured graph file path.
func (m *DeployableModule) GraphFile() string { return m.options.GraphFile }

// SetGraphFile changes the graph file path. Setting the same non-empty path
// again is a no-op; a different path discards any built graph so the next
// call rebuilds or reloads from the new location.
func (m *DeployableModule) SetGraphFile(path string) {
	if path != "" && m.options.GraphFile == path {
		return
	}
	m.options.GraphFile = path
	m.clearOldGraph()
}

// clearOldGraph tears down the built graph, releasing backend resources
// before the wrapper returns to callers.
func (m *DeployableModule) clearOldGraph() {
	m.graphFileChecked = false
	m.saveAfterBuild = false
	if m.handle != nil {
		m.handle.Invalidate()
		m.handle = nil
	}
	if m.hasIdentity {
		m.cache.Drop(m.identity)
	}
}

// SaveGraph persists the compiled graph to path, compiling it first if
// needed.
func (m *DeployableModule) SaveGraph(path string) error {
	if err := m.ensureGraphBuilt(); err != nil {
		return err
	}
	return m.cache.Save(m.handle, path)
}

// LoadGraph restores the compiled graph from path, validating that the
// persisted device matches the requested one. An empty device means the
// module's current device; the check always happens. runWarmup schedules a
// one-time throwaway execution on the next call to trigger lazy backend
// initialization.
func (m *DeployableModule) LoadGraph(path string, device backends.Device, runWarmup bool) error {
	if device == "" {
		device = m.model.Device()
	}
	handle, err := m.cache.Load(m.backend, path, device, runWarmup)
	if err != nil {
		return err
	}
	if m.handle != nil && m.handle != handle {
		m.handle.Invalidate()
	}
	m.handle = handle
	if m.hasIdentity {
		m.cache.Install(m.identity, handle)
	}
	if n := handle.Graph().NumInputs(); n >= 0 {
		m.inputCount = n
	}
	return nil
}

// dispatch is the common path of every entry point: graph-file management,
// lazy build, input/output bridging and error annotation.
func (m *DeployableModule) dispatch(entry backends.EntryPoint, args []any) (any, error) {
	if !m.options.UseGraph || m.useInterpreter {
		return m.runEager(entry, args)
	}
	if err := m.ensureGraphLoaded(); err != nil {
		return nil, err
	}
	if err := m.ensureGraphBuilt(); err != nil {
		return nil, err
	}
	graph := m.handle.Graph()

	leafCount := m.countTensorLeaves(args)
	if n := graph.NumInputs(); n >= 0 && leafCount != n && !m.dynamic {
		if m.handle.FilePath() != "" {
			return nil, &BuildVsLoadConflictError{Path: m.handle.FilePath(), Recorded: n, Current: leafCount}
		}
		// Not loaded from disk: the backend raises its own structure error
		// below, converted like any other execution error.
	}

	graph.Bind(entry)
	backendArgs := make([]any, len(args))
	for ii, arg := range args {
		backendArgs[ii] = m.bridge.ToBackend(arg)
	}

	var output any
	m.handle.acquire()
	err := exceptions.TryCatch[error](func() {
		if m.handle.WarmupPending() {
			klog.V(1).Infof("deployable module %q: warm-up pass for graph %s", m.Name(), m.handle.ID())
			_ = graph.Execute(backendArgs...)
			m.handle.warmupDone()
		}
		output = m.bridge.ToHost(graph.Execute(backendArgs...))
	})
	m.handle.release()
	if err != nil {
		return nil, &EntryPointError{Entry: entry, Err: err}
	}

	if m.inputCount < 0 {
		m.inputCount = leafCount
	}
	m.maybeSaveGraphFile()
	return output, nil
}

// runEager executes the backend-side module directly. Inputs still make a
// round trip through the bridge so layouts are normalized exactly as on the
// compiled path.
func (m *DeployableModule) runEager(entry backends.EntryPoint, args []any) (output any, err error) {
	hostArgs := make([]any, len(args))
	for ii, arg := range args {
		hostArgs[ii] = m.bridge.ToHost(m.bridge.ToBackend(arg))
	}
	module := m.model.backendModule
	err = exceptions.TryCatch[error](func() {
		switch entry {
		case backends.EntryApplyModel:
			applier, ok := module.(backends.ModelApplier)
			if !ok {
				exceptions.Panicf("module %q has no apply_model entry point", module.Name())
			}
			output = applier.ApplyModel(hostArgs...)
		case backends.EntryDecode:
			decoder, ok := module.(backends.Decoder)
			if !ok {
				exceptions.Panicf("module %q has no decode entry point", module.Name())
			}
			output = decoder.Decode(hostArgs...)
		default:
			output = module.Forward(hostArgs...)
		}
	})
	if err != nil {
		return nil, &EntryPointError{Entry: entry, Err: err}
	}
	return output, nil
}

// ensureGraphLoaded performs the one-time graph-file check: when a graph
// file is configured and exists on disk, the graph is loaded from it (with
// warm-up) instead of compiled; when it doesn't exist yet, the next built
// graph is saved there.
func (m *DeployableModule) ensureGraphLoaded() error {
	if m.options.GraphFile == "" || m.graphFileChecked {
		return nil
	}
	m.graphFileChecked = true
	if m.handle != nil && m.handle.State() == StateBuilt {
		return nil
	}
	if m.quantizer != nil && m.quantConfig != nil && !m.quantApplied {
		// A pending quantization config invalidates whatever is on disk:
		// rebuild through the quantizer and overwrite the file.
		m.saveAfterBuild = true
		return nil
	}
	if _, err := os.Stat(m.options.GraphFile); err != nil {
		if os.IsNotExist(err) {
			m.saveAfterBuild = true
			return nil
		}
		return errors.Wrapf(err, "checking graph file %q", m.options.GraphFile)
	}
	device := backends.Device(m.options.GraphFileDevice)
	if device == "" {
		device = m.model.Device()
	}
	return m.LoadGraph(m.options.GraphFile, device, true)
}

// maybeSaveGraphFile persists a newly built graph to the configured graph
// file. Failures here only cost the next process a rebuild, so they warn
// instead of failing the call.
func (m *DeployableModule) maybeSaveGraphFile() {
	if !m.saveAfterBuild {
		return
	}
	m.saveAfterBuild = false
	if err := m.cache.Save(m.handle, m.options.GraphFile); err != nil {
		klog.Warningf("deployable module %q: failed to save graph file: %+v", m.Name(), err)
	}
}

// ensureGraphBuilt lazily compiles the graph, through the shared cache when
// an identity is attached.
func (m *DeployableModule) ensureGraphBuilt() error {
	if m.handle != nil && m.handle.State() == StateBuilt {
		return nil
	}
	if m.hasIdentity {
		handle, err := m.cache.GetOrBuild(m.identity, m.builderFn())
		if err != nil {
			return err
		}
		if m.handle != nil && m.handle != handle {
			m.handle.Invalidate()
		}
		m.handle = handle
		return nil
	}
	if m.handle == nil {
		m.handle = newGraphHandle()
	}
	return m.handle.build(m.model.backendModule.Name(), m.builderFn())
}

// builderFn compiles the backend-side module, quantizing it first when an
// online quantization config is attached.
func (m *DeployableModule) builderFn() BuilderFn {
	return func() (backends.Graph, error) {
		module := m.model.backendModule
		if m.quantizer != nil && m.quantConfig != nil && !m.quantApplied {
			quantized, err := m.quantizer.Quantize(module, *m.quantConfig, m.calibrateInfo)
			if err != nil {
				return nil, errors.WithMessagef(err, "online quantization of module %q", module.Name())
			}
			m.model.backendModule = quantized
			m.quantApplied = true
			module = quantized
		}
		graph, err := m.backend.Compile(module, backends.GraphOptions{
			DynamicShapes:      m.dynamic,
			MaxCachedGraphSize: m.options.MaxCachedGraphSize,
			DebugLevel:         m.options.Debug,
		})
		if err != nil {
			return nil, err
		}
		return graph, nil
	}
}

func (m *DeployableModule) countTensorLeaves(args []any) int {
	count := 0
	for _, arg := range args {
		count += m.bridge.CountTensorLeaves(arg)
	}
	return count
}

func (m *DeployableModule) String() string {
	state := "no graph"
	if m.handle != nil {
		state = m.handle.State().String()
	}
	return fmt.Sprintf("DeployableModule(%q, graph=%s)", m.Name(), state)
}
