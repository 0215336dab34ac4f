package deploy

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Version of the dispatch core, recorded in generated graph file names so
// incompatible persisted graphs from older releases are never picked up.
const Version = "1.0.0"

// ModuleIdentity is the cache key distinguishing which compiled graph
// applies to which model configuration: the active checkpoint plus whether
// quantization is on. Equal identities must reuse the same compiled graph;
// unequal identities force recompilation.
type ModuleIdentity struct {
	Checkpoint string
	Quantized  bool
}

// String renders the identity the way graph artifacts are named:
// "<checkpoint>" or "<checkpoint>_quantized".
func (id ModuleIdentity) String() string {
	if id.Quantized {
		return id.Checkpoint + "_quantized"
	}
	return id.Checkpoint
}

// Fingerprint is a stable 64-bit hash of the identity, used in file names
// where the checkpoint name itself would be unwieldy or unsafe.
func (id ModuleIdentity) Fingerprint() uint64 {
	return xxhash.Sum64String(id.String())
}

// GraphFileName returns the canonical file name for a persisted graph of
// this identity: module name, core version, backend name and the identity
// fingerprint.
func (id ModuleIdentity) GraphFileName(moduleName, backendName string) string {
	return fmt.Sprintf("%s_graph_%s_%s_%016x", moduleName, Version, backendName, id.Fingerprint())
}
