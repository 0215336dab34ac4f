package deploy

import (
	"maps"

	"k8s.io/klog/v2"
)

// ModelTypeSignature maps architecture-family flags (e.g. "is_sdxl",
// "is_sd2") to whether the active model belongs to that family. It is the
// model-identity signal the recompile policy compares across calls.
type ModelTypeSignature map[string]bool

// Equal reports whether both signatures set the same flags. A flag missing
// on one side counts as false, mirroring how the flags are read off models.
func (s ModelTypeSignature) Equal(other ModelTypeSignature) bool {
	for key, v := range s {
		if v != other[key] {
			return false
		}
	}
	for key, v := range other {
		if v != s[key] {
			return false
		}
	}
	return true
}

// FamilyFlags is implemented by host models that expose their architecture
// family.
type FamilyFlags interface {
	IsSDXL() bool
	IsSD2() bool
	IsSD1() bool
	IsSSD() bool
}

// SignatureOf reads the model-type signature off a host model.
func SignatureOf(model FamilyFlags) ModelTypeSignature {
	return ModelTypeSignature{
		"is_sdxl": model.IsSDXL(),
		"is_sd2":  model.IsSD2(),
		"is_sd1":  model.IsSD1(),
		"is_ssd":  model.IsSSD(),
	}
}

// RecompilePolicy decides whether an existing compiled graph is still valid
// for the currently active model, by comparing model-type signatures across
// calls. The zero value is ready to use.
type RecompilePolicy struct {
	last ModelTypeSignature
}

// NeedsRecompile returns true on the first ever call, or when any family
// flag differs from the last seen signature. When it decides to recompile it
// stores the new signature.
//
// When it decides to reuse while MLIR inference optimization is enabled, it
// warns: the optimization rewrites graphs in a way that makes reuse across
// models unsafe, though execution proceeds.
func (p *RecompilePolicy) NeedsRecompile(current ModelTypeSignature) bool {
	if p.last != nil && p.last.Equal(current) {
		if ParseBooleanFromEnv(EnvMLIRInferenceOptimization, true) {
			klog.Warningf(
				"reusing a compiled graph with %s enabled may work incorrectly; set it to '0' to reuse safely",
				EnvMLIRInferenceOptimization)
		}
		return false
	}
	p.last = maps.Clone(current)
	return true
}

// LastSignature returns the signature stored at the last recompile decision,
// or nil before the first one.
func (p *RecompilePolicy) LastSignature() ModelTypeSignature {
	return maps.Clone(p.last)
}
