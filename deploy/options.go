package deploy

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// CompileOptions is the configuration snapshot a DeployableModule is created
// with. Treat it as immutable after construction: the wrapper setters
// (SetGraphFile and friends) are the only sanctioned mutation points, and
// they invalidate the built graph as needed.
type CompileOptions struct {
	// UseGraph selects the compiled path. When false every entry point runs
	// the backend-side module eagerly.
	UseGraph bool `yaml:"use_graph"`

	// Debug verbosity level forwarded to the backend graph. 0 is silent.
	Debug int `yaml:"debug"`

	// MaxCachedGraphSize bounds the per-shape variants of a compiled graph.
	MaxCachedGraphSize int `yaml:"max_cached_graph_size"`

	// GraphFile, when set, makes entry points load the compiled graph from
	// this path if it exists, and save it there after the first build.
	GraphFile string `yaml:"graph_file"`

	// GraphFileDevice is the device requested when loading GraphFile. Empty
	// means the module's current device.
	GraphFileDevice string `yaml:"graph_file_device"`
}

// DefaultCompileOptions: compiled path on, silent, 9 cached variants.
func DefaultCompileOptions() *CompileOptions {
	return &CompileOptions{
		UseGraph:           true,
		Debug:              0,
		MaxCachedGraphSize: 9,
	}
}

// clone a snapshot so wrappers never share mutable options.
func (o *CompileOptions) clone() *CompileOptions {
	c := *o
	return &c
}

// CompileOptionsFromYAML loads options from a YAML file, starting from the
// defaults for fields not present.
func CompileOptionsFromYAML(path string) (*CompileOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading compile options from %q", path)
	}
	options := DefaultCompileOptions()
	if err = yaml.Unmarshal(data, options); err != nil {
		return nil, errors.Wrapf(err, "parsing compile options from %q", path)
	}
	return options, nil
}
