// Package eager implements the reference in-process backend: it "compiles" a
// module by capturing it and replays calls by running the module eagerly.
//
// It exists so the dispatch core, its cache and its persistence layer can be
// exercised without an external tensor compiler: graphs carry the same device
// binding, per-shape variant bounds and on-disk format obligations a real
// backend has, with the module's own eager execution standing in for the
// compiled plan.
//
// Importing this package registers the backend under the name "eager".
package eager

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/Cherwayway/onediff/backends"
	"github.com/Cherwayway/onediff/types/argtree"
	"github.com/Cherwayway/onediff/types/tensors"
)

// BackendName under which this backend registers itself.
const BackendName = "eager"

func init() {
	backends.Register(BackendName, New)
}

// DefaultMaxCachedGraphSize bounds per-shape variants when GraphOptions
// doesn't set one.
const DefaultMaxCachedGraphSize = 9

// Backend captures modules and replays them as if compiled.
type Backend struct {
	mu        sync.Mutex
	modules   map[string]backends.Module
	finalized bool
}

// New creates an eager Backend. The config string is accepted for interface
// compatibility and ignored.
func New(config string) backends.Backend {
	_ = config
	return &Backend{modules: make(map[string]backends.Module)}
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "Reference in-process backend: replays captured modules eagerly"
}

// RegisterModule makes a module available for reattachment when loading a
// persisted graph. Compile registers the compiled module automatically.
func (b *Backend) RegisterModule(module backends.Module) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modules[module.Name()] = module
}

// Compile implements backends.Backend. The graph is bound to the module's
// device at this point; the binding never changes afterwards.
func (b *Backend) Compile(module backends.Module, options backends.GraphOptions) (backends.Graph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errFinalized
	}
	if options.MaxCachedGraphSize <= 0 {
		options.MaxCachedGraphSize = DefaultMaxCachedGraphSize
	}
	b.modules[module.Name()] = module
	g := &Graph{
		backend:   b,
		module:    module,
		device:    module.Device(),
		options:   options,
		entry:     backends.EntryForward,
		numInputs: -1,
	}
	g.Debug(options.DebugLevel)
	return g, nil
}

// FromHost implements backends.DataInterface. The tensor must be contiguous;
// handing over a strided view is a programming error and panics.
func (b *Backend) FromHost(t *tensors.Tensor) backends.Buffer {
	if !t.IsContiguous() {
		exceptions.Panicf("eager.FromHost: tensor %s is not contiguous", t)
	}
	return &buffer{t: t}
}

// ToHost implements backends.DataInterface.
func (b *Backend) ToHost(v backends.Buffer) (*tensors.Tensor, bool) {
	buf, ok := v.(*buffer)
	if !ok {
		return nil, false
	}
	return buf.t, true
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = true
	b.modules = nil
}

// buffer is the eager backend's native tensor representation: a host tensor
// that has already been made contiguous.
type buffer struct {
	t *tensors.Tensor
}

// Graph replays a captured module. It is not safe for concurrent use, per
// the single-threaded contract of the dispatch core.
type Graph struct {
	backend *Backend
	module  backends.Module
	device  backends.Device
	options backends.GraphOptions
	entry   backends.EntryPoint

	// numInputs is the tensor-leaf count recorded at the first execution.
	numInputs int

	// variants are the input shape signatures this graph has been
	// specialized for, bounded by options.MaxCachedGraphSize.
	variants []string

	debugLevel int
	finalized  bool
}

// Device implements backends.Graph.
func (g *Graph) Device() backends.Device { return g.device }

// NumInputs implements backends.Graph.
func (g *Graph) NumInputs() int { return g.numInputs }

// Debug implements backends.Graph.
func (g *Graph) Debug(level int) {
	g.debugLevel = level
	if level > 0 {
		klog.Infof("eager: graph %q debug level set to %d", g.module.Name(), level)
	}
}

// Bind implements backends.Graph. Binding an entry point the captured module
// doesn't provide panics.
func (g *Graph) Bind(entry backends.EntryPoint) {
	switch entry {
	case backends.EntryForward:
	case backends.EntryApplyModel:
		if _, ok := g.module.(backends.ModelApplier); !ok {
			exceptions.Panicf("eager: module %q has no apply_model entry point", g.module.Name())
		}
	case backends.EntryDecode:
		if _, ok := g.module.(backends.Decoder); !ok {
			exceptions.Panicf("eager: module %q has no decode entry point", g.module.Name())
		}
	default:
		exceptions.Panicf("eager: unknown entry point %q", entry)
	}
	g.entry = entry
}

// Execute implements backends.Graph. It panics with a stack trace on errors,
// per the backends package contract.
func (g *Graph) Execute(args ...any) any {
	if g.finalized {
		exceptions.Panicf("eager: graph %q already finalized", g.module.Name())
	}

	signature, leafCount := g.inputSignature(args)
	if g.numInputs >= 0 && leafCount != g.numInputs && !g.options.DynamicShapes {
		exceptions.Panicf(
			"eager: graph %q was built with %d input tensors, called with %d -- dynamic shapes are disabled",
			g.module.Name(), g.numInputs, leafCount)
	}
	g.recordVariant(signature)
	if g.numInputs < 0 {
		g.numInputs = leafCount
	}
	if g.debugLevel > 1 {
		klog.Infof("eager: replaying graph %q entry=%s inputs=%s", g.module.Name(), g.entry, signature)
	}

	// Unwrap buffers, run the module eagerly, wrap the outputs back.
	hostArgs := make([]any, len(args))
	for ii, arg := range args {
		hostArgs[ii] = argtree.Map(arg, g.leafToHost)
	}
	var output any
	switch g.entry {
	case backends.EntryApplyModel:
		output = g.module.(backends.ModelApplier).ApplyModel(hostArgs...)
	case backends.EntryDecode:
		output = g.module.(backends.Decoder).Decode(hostArgs...)
	default:
		output = g.module.Forward(hostArgs...)
	}
	return argtree.Map(output, g.leafFromHost)
}

func (g *Graph) leafToHost(leaf any) any {
	if t, ok := g.backend.ToHost(leaf); ok {
		return t
	}
	return leaf
}

func (g *Graph) leafFromHost(leaf any) any {
	if t, ok := leaf.(*tensors.Tensor); ok {
		return g.backend.FromHost(t.Contiguous())
	}
	return leaf
}

// inputSignature returns a canonical string of the tensor leaf shapes and
// the leaf count.
func (g *Graph) inputSignature(args []any) (string, int) {
	var parts []string
	for _, arg := range args {
		argtree.Visit(arg, func(leaf any) {
			if t, ok := g.backend.ToHost(leaf); ok {
				parts = append(parts, t.String())
			}
		})
	}
	return "[" + strings.Join(parts, " ") + "]", len(parts)
}

// recordVariant registers a new shape specialization, panicking when the
// bound is exhausted -- the caller should use padding or raise
// MaxCachedGraphSize.
func (g *Graph) recordVariant(signature string) {
	for _, v := range g.variants {
		if v == signature {
			return
		}
	}
	if len(g.variants) >= g.options.MaxCachedGraphSize {
		exceptions.Panicf(
			"eager: maximum cached graph size (%d) reached for %q -- a new variant is compiled for each "+
				"distinct input shape, consider padding inputs or raising MaxCachedGraphSize",
			g.options.MaxCachedGraphSize, g.module.Name())
	}
	g.variants = append(g.variants, signature)
	if g.debugLevel > 0 {
		klog.Infof("eager: graph %q compiled variant %d for inputs %s", g.module.Name(), len(g.variants), signature)
	}
}

// Finalize implements backends.Graph.
func (g *Graph) Finalize() {
	g.finalized = true
	g.variants = nil
}

func (g *Graph) String() string {
	return fmt.Sprintf("eager.Graph(%q, device=%s, entry=%s)", g.module.Name(), g.device, g.entry)
}
