package webui

import (
	"k8s.io/klog/v2"

	"github.com/Cherwayway/onediff/backends"
	"github.com/Cherwayway/onediff/deploy"
)

// Session owns the compiled module shared across requests: the current
// compiled UNet, the identity it was compiled for, and the recompile
// policy. One Session per host process; not safe for concurrent Run calls.
type Session struct {
	backend backends.Backend
	slot    ModuleSlot

	policy   deploy.RecompilePolicy
	compiled backends.Module
	identity deploy.ModuleIdentity
	hasGraph bool
}

// NewSession ties a session to the backend and the host's UNet slot.
func NewSession(backend backends.Backend, slot ModuleSlot) *Session {
	return &Session{backend: backend, slot: slot}
}

// RunParams describes one inference request.
type RunParams struct {
	// Checkpoint is the active model checkpoint name, the identity key.
	Checkpoint string

	// Quantization requests the int8 path for this checkpoint.
	Quantization bool

	// Compile settings used if this request triggers a (re)compilation.
	Compile CompileConfig
}

// Run executes fn with the compiled module substituted into the host slot,
// recompiling first when the checkpoint, quantization toggle or model-type
// signature changed since the last compilation. The original module is
// restored before Run returns, whatever fn does.
func (s *Session) Run(params RunParams, fn func() error) error {
	original := s.slot.Get()
	identity := deploy.ModuleIdentity{
		Checkpoint: params.Checkpoint,
		Quantized:  params.Quantization,
	}

	signature := signatureOf(original)
	needs := s.policy.NeedsRecompile(signature)
	if needs || identity != s.identity || !s.hasGraph {
		s.teardown()
		params.Compile.Quantization = params.Quantization
		s.compiled = CompileUNet(s.backend, original, params.Compile)
		s.identity = identity
		s.hasGraph = true
	} else {
		klog.V(1).Infof("model %q has the same type signature, skipping compile", params.Checkpoint)
	}

	return WithCompiled(s.slot, s.compiled, fn)
}

// Compiled returns the module Run substitutes, or nil before the first Run.
func (s *Session) Compiled() backends.Module { return s.compiled }

// Identity returns the identity of the current compiled module.
func (s *Session) Identity() deploy.ModuleIdentity { return s.identity }

// Close releases the compiled graph's backend resources.
func (s *Session) Close() {
	s.teardown()
	s.hasGraph = false
}

func (s *Session) teardown() {
	if wrapper := deploy.Unwrap(s.compiled); wrapper != nil {
		wrapper.Finalize()
	}
	s.compiled = nil
}

// signatureOf reads the family flags off a module; modules without flags
// report an all-false signature.
func signatureOf(module backends.Module) deploy.ModelTypeSignature {
	if flags, ok := module.(deploy.FamilyFlags); ok {
		return deploy.SignatureOf(flags)
	}
	return deploy.ModelTypeSignature{
		"is_sdxl": false, "is_sd2": false, "is_sd1": false, "is_ssd": false,
	}
}
