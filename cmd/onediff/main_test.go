package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestCalibrateCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibrate.txt")
	require.NoError(t, os.WriteFile(path,
		[]byte("conv1 0.5 3 1.0,2.0,3.0\nconv2 0.25 0 4.0\n"), 0644))

	out := execute(t, "calibrate", path)
	assert.Contains(t, out, "conv1: scale=0.5 zero-point=3 weights=3")
	assert.Contains(t, out, "2 entries")
}

func TestOptionsCmdDefaults(t *testing.T) {
	out := execute(t, "options")
	assert.Contains(t, out, "use_graph: true")
	assert.Contains(t, out, "max_cached_graph_size: 9")
}

func TestOptionsCmdFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug: 2\n"), 0644))
	out := execute(t, "options", "--file", path)
	assert.Contains(t, out, "debug: 2")
}

func TestGraphPathCmd(t *testing.T) {
	base := t.TempDir()
	out := execute(t, "graph-path",
		"--base-dir", base, "--checkpoint", "sd_xl_base", "--quantized")
	assert.Contains(t, out, filepath.Join(base, "graphs", "sd_xl_base_quantized"))
	assert.Contains(t, out, "unet_graph_")
}
