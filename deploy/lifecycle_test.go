package deploy

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cherwayway/onediff/backends"
	"github.com/Cherwayway/onediff/backends/backendtest"
	"github.com/Cherwayway/onediff/backends/eager"
)

func TestGraphStateString(t *testing.T) {
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "building", StateBuilding.String())
	assert.Equal(t, "built", StateBuilt.String())
	assert.Equal(t, "invalidated", StateInvalidated.String())
}

func TestHandleBuildTransitions(t *testing.T) {
	backend := eager.New("")
	module := backendtest.NewScaleModule("unet")
	handle := newGraphHandle()
	assert.Equal(t, StateEmpty, handle.State())
	assert.Nil(t, handle.Graph())

	require.NoError(t, handle.build("unet", func() (backends.Graph, error) {
		return backend.Compile(module, backends.GraphOptions{})
	}))
	assert.Equal(t, StateBuilt, handle.State())
	require.NotNil(t, handle.Graph())

	// Building again is a no-op once Built.
	builds := 0
	require.NoError(t, handle.build("unet", func() (backends.Graph, error) {
		builds++
		return backend.Compile(module, backends.GraphOptions{})
	}))
	assert.Equal(t, 0, builds)
}

func TestHandleBuildFailureRevertsToEmpty(t *testing.T) {
	handle := newGraphHandle()
	err := handle.build("unet", func() (backends.Graph, error) {
		return nil, errors.New("no such architecture")
	})
	require.Error(t, err)
	var failure *CompilationFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "unet", failure.Module)
	assert.Equal(t, StateEmpty, handle.State())
	assert.Nil(t, handle.Graph())
}

func TestInvalidatedSettlesToEmpty(t *testing.T) {
	backend := eager.New("")
	module := backendtest.NewScaleModule("unet")
	handle := newGraphHandle()
	require.NoError(t, handle.build("unet", func() (backends.Graph, error) {
		return backend.Compile(module, backends.GraphOptions{})
	}))

	handle.Invalidate()
	// Accessing the state settles Invalidated back to Empty.
	assert.Equal(t, StateEmpty, handle.State())
	assert.Nil(t, handle.Graph())

	// And the handle is buildable again.
	require.NoError(t, handle.build("unet", func() (backends.Graph, error) {
		return backend.Compile(module, backends.GraphOptions{})
	}))
	assert.Equal(t, StateBuilt, handle.State())
}

func TestPinning(t *testing.T) {
	handle := newGraphHandle()
	assert.False(t, handle.InUse())
	handle.acquire()
	handle.acquire()
	handle.release()
	assert.True(t, handle.InUse())
	handle.release()
	assert.False(t, handle.InUse())
	handle.release() // extra release doesn't underflow
	assert.False(t, handle.InUse())
}
