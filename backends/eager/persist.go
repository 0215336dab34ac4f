package eager

import (
	"encoding/gob"
	"os"

	"github.com/pkg/errors"

	"github.com/Cherwayway/onediff/backends"
)

var errFinalized = errors.New("eager: backend already finalized")

// graphFormatVersion guards the on-disk format. Bump on incompatible changes.
const graphFormatVersion = 1

// graphHeader is the persisted form of a Graph. The eager backend has no
// compiled payload to store beyond the capture metadata; real backends append
// their opaque blob after the header.
type graphHeader struct {
	FormatVersion      int
	ModuleName         string
	Device             string
	Entry              string
	NumInputs          int
	DynamicShapes      bool
	MaxCachedGraphSize int
	Variants           []string
}

// Save implements backends.Graph. The file records the device the graph was
// bound to; loads validate it.
func (g *Graph) Save(path string) error {
	if g.finalized {
		return errors.Errorf("eager: cannot save finalized graph %q", g.module.Name())
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save graph", path)
	}
	header := graphHeader{
		FormatVersion:      graphFormatVersion,
		ModuleName:         g.module.Name(),
		Device:             string(g.device),
		Entry:              string(g.entry),
		NumInputs:          g.numInputs,
		DynamicShapes:      g.options.DynamicShapes,
		MaxCachedGraphSize: g.options.MaxCachedGraphSize,
		Variants:           g.variants,
	}
	if err = gob.NewEncoder(f).Encode(header); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "serializing graph %q to %q", g.module.Name(), path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "close file %q, where graph was saved", path)
	}
	return nil
}

// Load implements backends.Backend. The module named in the file must have
// been registered (with RegisterModule or a previous Compile) so the graph
// can be reattached; otherwise Load fails.
func (b *Backend) Load(path string) (backends.Graph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errFinalized
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q to load graph", path)
	}
	var header graphHeader
	err = gob.NewDecoder(f).Decode(&header)
	_ = f.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "deserializing graph from %q", path)
	}
	if header.FormatVersion != graphFormatVersion {
		return nil, errors.Errorf("graph file %q has format version %d, this backend reads version %d",
			path, header.FormatVersion, graphFormatVersion)
	}
	module, found := b.modules[header.ModuleName]
	if !found {
		return nil, errors.Errorf("graph file %q captures module %q, which is not registered with this backend",
			path, header.ModuleName)
	}
	device, err := backends.ParseDevice(header.Device)
	if err != nil {
		return nil, errors.Wrapf(err, "graph file %q has an invalid device tag", path)
	}
	g := &Graph{
		backend: b,
		module:  module,
		device:  device,
		options: backends.GraphOptions{
			DynamicShapes:      header.DynamicShapes,
			MaxCachedGraphSize: header.MaxCachedGraphSize,
		},
		entry:     backends.EntryPoint(header.Entry),
		numInputs: header.NumInputs,
		variants:  header.Variants,
	}
	return g, nil
}

// InspectFile reads the header of a persisted graph file without needing the
// captured module. Used by tooling.
func InspectFile(path string) (module string, device backends.Device, numInputs int, variants []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		err = errors.Wrapf(err, "opening %q to inspect graph", path)
		return
	}
	var header graphHeader
	err = gob.NewDecoder(f).Decode(&header)
	_ = f.Close()
	if err != nil {
		err = errors.Wrapf(err, "deserializing graph header from %q", path)
		return
	}
	return header.ModuleName, backends.Device(header.Device), header.NumInputs, header.Variants, nil
}
