package deploy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cherwayway/onediff/backends"
	"github.com/Cherwayway/onediff/backends/backendtest"
	"github.com/Cherwayway/onediff/backends/eager"
	"github.com/Cherwayway/onediff/quant"
	"github.com/Cherwayway/onediff/types/tensors"
)

func newWrapper(t *testing.T, options *CompileOptions) (*eager.Backend, *backendtest.ScaleModule, *DeployableModule) {
	t.Helper()
	backend := eager.New("").(*eager.Backend)
	module := backendtest.NewScaleModule("unet")
	return backend, module, New(backend, module, nil, false, options)
}

func forwardOne(t *testing.T, m *DeployableModule, values ...float32) []float32 {
	t.Helper()
	output, err := m.Forward(tensors.FromFlat(values, len(values)))
	require.NoError(t, err)
	tensor, ok := output.(*tensors.Tensor)
	require.True(t, ok, "expected tensor output, got %T", output)
	return tensors.FlatOf[float32](tensor)
}

func TestForwardCompiledPath(t *testing.T) {
	_, module, wrapper := newWrapper(t, nil)
	assert.Equal(t, []float32{2, 4}, forwardOne(t, wrapper, 1, 2))
	require.NotNil(t, wrapper.Handle())
	assert.Equal(t, StateBuilt, wrapper.Handle().State())
	assert.Equal(t, 1, module.ForwardCalls)

	// Second call with identical inputs performs zero additional
	// compilations: same handle, same graph.
	handle := wrapper.Handle()
	graph := handle.Graph()
	assert.Equal(t, []float32{2, 4}, forwardOne(t, wrapper, 1, 2))
	assert.Same(t, handle, wrapper.Handle())
	assert.Same(t, graph, wrapper.Handle().Graph())
}

func TestForwardEagerWhenGraphDisabled(t *testing.T) {
	options := DefaultCompileOptions()
	options.UseGraph = false
	_, module, wrapper := newWrapper(t, options)
	assert.Equal(t, []float32{2}, forwardOne(t, wrapper, 1))
	assert.Nil(t, wrapper.Handle(), "no graph is built on the eager path")
	assert.Equal(t, 1, module.ForwardCalls)
}

func TestInterpreterEnvForcesEager(t *testing.T) {
	t.Setenv(EnvUseInterpreter, "1")
	_, _, wrapper := newWrapper(t, nil)
	assert.Equal(t, []float32{2}, forwardOne(t, wrapper, 1))
	assert.Nil(t, wrapper.Handle())
}

func TestApplyModelAndDecode(t *testing.T) {
	_, _, wrapper := newWrapper(t, nil)
	output, err := wrapper.ApplyModel(tensors.FromFlat([]float32{2}, 1))
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, tensors.FlatOf[float32](output.(*tensors.Tensor)))

	output, err = wrapper.Decode(tensors.FromFlat([]float32{4}, 1))
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, tensors.FlatOf[float32](output.(*tensors.Tensor)))
}

func TestAttrDelegation(t *testing.T) {
	_, _, wrapper := newWrapper(t, nil)
	factor, found := wrapper.Attr("factor")
	require.True(t, found)
	assert.Equal(t, float32(2), factor)
	_, found = wrapper.Attr("no_such_attribute")
	assert.False(t, found)
}

func TestToDeviceRule(t *testing.T) {
	_, module, wrapper := newWrapper(t, nil)

	// No graph yet: the move delegates to the module.
	require.NoError(t, wrapper.To("cuda:0"))
	assert.Equal(t, backends.Device("cuda:0"), module.Device())

	forwardOne(t, wrapper, 1)
	handle := wrapper.Handle()

	// Same device (index-insensitive): fine.
	require.NoError(t, wrapper.To("cuda"))

	// Different device after build: fatal, and the graph stays intact.
	err := wrapper.To("cpu")
	require.Error(t, err)
	var mismatch *DeviceMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, backends.Device("cuda:0"), mismatch.Current)
	assert.Equal(t, backends.Device("cpu"), mismatch.Requested)
	assert.Same(t, handle, wrapper.Handle())
	assert.Equal(t, StateBuilt, wrapper.Handle().State())
}

func TestSetGraphFileSemantics(t *testing.T) {
	_, _, wrapper := newWrapper(t, nil)
	forwardOne(t, wrapper, 1)
	handle := wrapper.Handle()

	path := filepath.Join(t.TempDir(), "unet.graph")
	wrapper.SetGraphFile(path)
	assert.Nil(t, wrapper.Handle(), "new path discards the built graph")
	assert.Equal(t, path, wrapper.GraphFile())
	assert.NotEqual(t, StateBuilt, handle.State())

	forwardOne(t, wrapper, 1)
	rebuilt := wrapper.Handle()
	require.NotNil(t, rebuilt)

	// Same path again: no-op, no invalidation.
	wrapper.SetGraphFile(path)
	assert.Same(t, rebuilt, wrapper.Handle())
	assert.Equal(t, StateBuilt, rebuilt.State())
}

func TestGraphFileSaveAndReload(t *testing.T) {
	backend, module, wrapper := newWrapper(t, nil)
	path := filepath.Join(t.TempDir(), "unet.graph")
	wrapper.SetGraphFile(path)

	// First dispatch builds and saves to the configured graph file.
	forwardOne(t, wrapper, 1, 2)
	assert.FileExists(t, path)

	// A fresh wrapper for the same module loads instead of compiling, and
	// runs the warm-up pass: two eager executions for one Forward call.
	module.ForwardCalls = 0
	options := DefaultCompileOptions()
	options.GraphFile = path
	fresh := New(backend, module, nil, false, options)
	assert.Equal(t, []float32{2, 4}, forwardOne(t, fresh, 1, 2))
	assert.Equal(t, 2, module.ForwardCalls, "warm-up pass plus the real execution")
	assert.Equal(t, path, fresh.Handle().FilePath())

	// Warm-up happens only once.
	forwardOne(t, fresh, 1, 2)
	assert.Equal(t, 3, module.ForwardCalls)
}

func TestSaveLoadGraphExplicit(t *testing.T) {
	backend, module, wrapper := newWrapper(t, nil)
	module.Dev = "cuda:1"
	forwardOne(t, wrapper, 1)

	path := filepath.Join(t.TempDir(), "unet.graph")
	require.NoError(t, wrapper.SaveGraph(path))

	other := New(backend, module, nil, false, nil)
	require.NoError(t, other.LoadGraph(path, "cuda:1", false))
	assert.Equal(t, StateBuilt, other.Handle().State())
	assert.Equal(t, []float32{2}, forwardOne(t, other, 1))

	err := other.LoadGraph(path, "cpu", false)
	var mismatch *DeviceMismatchError
	require.ErrorAs(t, err, &mismatch)
	// The failed load left the previous graph in place.
	assert.Equal(t, StateBuilt, other.Handle().State())

	// An empty device defaults to the module's device, it never bypasses the
	// check: the module sits on cuda:1, so the default matches...
	require.NoError(t, other.LoadGraph(path, "", false))

	// ...and a module on another device fails the defaulted check.
	cpuModule := backendtest.NewScaleModule("unet")
	onCPU := New(backend, cpuModule, nil, false, nil)
	err = onCPU.LoadGraph(path, "", false)
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, backends.Device("cuda:1"), mismatch.Current)
	assert.Equal(t, backends.Device("cpu"), mismatch.Requested)
}

func TestBuildVsLoadConflict(t *testing.T) {
	backend, module, wrapper := newWrapper(t, nil)
	forwardOne(t, wrapper, 1, 2) // graph records 1 input tensor

	path := filepath.Join(t.TempDir(), "unet.graph")
	require.NoError(t, wrapper.SaveGraph(path))

	fresh := New(backend, module, nil, false, nil)
	require.NoError(t, fresh.LoadGraph(path, "cpu", false))
	_, err := fresh.Forward(
		tensors.FromFlat([]float32{1}, 1),
		tensors.FromFlat([]float32{2}, 1),
	)
	require.Error(t, err)
	var conflict *BuildVsLoadConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.Recorded)
	assert.Equal(t, 2, conflict.Current)
}

func TestExecutionErrorAnnotatedWithEntryPoint(t *testing.T) {
	backend := eager.New("").(*eager.Backend)
	module := &backendtest.PanickyModule{ModuleName: "boom", Dev: "cpu"}
	wrapper := New(backend, module, nil, false, nil)

	_, err := wrapper.Forward(tensors.FromFlat([]float32{1}, 1))
	require.Error(t, err)
	var entryErr *EntryPointError
	require.ErrorAs(t, err, &entryErr)
	assert.Equal(t, backends.EntryForward, entryErr.Entry)
	assert.Contains(t, err.Error(), "exploded", "original error context is carried")
}

func TestFromExistingReusesArtifact(t *testing.T) {
	_, _, wrapper := newWrapper(t, nil)
	wrapper.SetQuantizer(&fakeQuantizer{})
	wrapper.ApplyOnlineQuant(quant.Config{QuantizeConv: true})
	forwardOne(t, wrapper, 1, 2)

	options := DefaultCompileOptions()
	options.Debug = 1
	clone := FromExisting(wrapper, true, options)
	assert.Same(t, wrapper.Handle(), clone.Handle(), "compiled artifact is reused, not rebuilt")
	assert.Equal(t, 1, clone.Options().Debug)

	// The clone dispatches on the shared handle without recompiling.
	assert.Equal(t, []float32{2, 4}, forwardOne(t, clone, 1, 2))
}

type fakeQuantizer struct {
	calls  int
	config quant.Config
}

func (q *fakeQuantizer) Quantize(module backends.Module, config quant.Config, info quant.CalibrateInfo) (backends.Module, error) {
	q.calls++
	q.config = config
	return module, nil
}

func TestOnlineQuantConsultedAtBuild(t *testing.T) {
	_, _, wrapper := newWrapper(t, nil)
	quantizer := &fakeQuantizer{}
	wrapper.SetQuantizer(quantizer)
	wrapper.ApplyOnlineQuant(quant.Config{QuantizeConv: true, ConvMAEThreshold: 0.005})

	forwardOne(t, wrapper, 1)
	assert.Equal(t, 1, quantizer.calls)
	assert.True(t, quantizer.config.QuantizeConv)

	// Built graph: no re-quantization on later calls.
	forwardOne(t, wrapper, 1)
	assert.Equal(t, 1, quantizer.calls)
}

func TestOnlineQuantAfterBuildInvalidates(t *testing.T) {
	_, _, wrapper := newWrapper(t, nil)
	quantizer := &fakeQuantizer{}
	wrapper.SetQuantizer(quantizer)

	// Graph built before any quantization config exists.
	forwardOne(t, wrapper, 1)
	handle := wrapper.Handle()
	require.Equal(t, StateBuilt, handle.State())
	assert.Equal(t, 0, quantizer.calls)

	// Applying a config on a Built graph discards it; the next dispatch
	// rebuilds through the quantizer.
	wrapper.ApplyOnlineQuant(quant.Config{QuantizeConv: true})
	assert.Nil(t, wrapper.Handle())
	assert.NotEqual(t, StateBuilt, handle.State())

	forwardOne(t, wrapper, 1)
	assert.Equal(t, 1, quantizer.calls)
	assert.True(t, quantizer.config.QuantizeConv)
	assert.Equal(t, StateBuilt, wrapper.Handle().State())

	// Re-applying the config that already took effect is a no-op.
	rebuilt := wrapper.Handle()
	wrapper.ApplyOnlineQuant(quant.Config{QuantizeConv: true})
	assert.Same(t, rebuilt, wrapper.Handle())
	assert.Equal(t, StateBuilt, rebuilt.State())

	// A changed config invalidates again.
	wrapper.ApplyOnlineQuant(quant.Config{QuantizeConv: true, QuantizeLinear: true})
	assert.Nil(t, wrapper.Handle())
	forwardOne(t, wrapper, 1)
	assert.Equal(t, 2, quantizer.calls)
}

func TestOnlineQuantOverridesStaleGraphFile(t *testing.T) {
	_, module, wrapper := newWrapper(t, nil)
	path := filepath.Join(t.TempDir(), "unet.graph")
	wrapper.SetGraphFile(path)
	forwardOne(t, wrapper, 1)
	require.FileExists(t, path)

	// The persisted graph predates the quantization config: it must not be
	// reloaded, the graph rebuilds through the quantizer instead.
	quantizer := &fakeQuantizer{}
	wrapper.SetQuantizer(quantizer)
	wrapper.ApplyOnlineQuant(quant.Config{QuantizeConv: true})
	module.ForwardCalls = 0
	forwardOne(t, wrapper, 1)
	assert.Equal(t, 1, quantizer.calls)
	assert.Equal(t, 1, module.ForwardCalls, "no warm-up pass: the graph was rebuilt, not loaded")
}

func TestSharedCacheAcrossWrappers(t *testing.T) {
	backend := eager.New("").(*eager.Backend)
	module := backendtest.NewScaleModule("unet")
	cache := NewGraphCache(4)
	identity := ModuleIdentity{Checkpoint: "ckpt"}

	a := New(backend, module, nil, false, nil).WithCache(cache, identity)
	b := New(backend, module, nil, false, nil).WithCache(cache, identity)

	forwardOne(t, a, 1)
	forwardOne(t, b, 1)
	assert.Same(t, a.Handle(), b.Handle(), "same identity shares the compiled graph")
	assert.Equal(t, 1, cache.Len())
}

func TestFacade(t *testing.T) {
	_, _, wrapper := newWrapper(t, nil)
	facade := wrapper.AsModule()
	assert.Equal(t, "unet", facade.Name())
	assert.Same(t, wrapper, Unwrap(facade))
	assert.Nil(t, Unwrap(wrapper.Module()))

	output := facade.Forward(tensors.FromFlat([]float32{3}, 1))
	assert.Equal(t, []float32{6}, tensors.FlatOf[float32](output.(*tensors.Tensor)))
}
