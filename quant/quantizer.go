package quant

import (
	"github.com/Cherwayway/onediff/backends"
)

// Quantizer is the external quantization collaborator: it rewrites a module
// into its quantized counterpart using previously collected calibration
// data. A nil CalibrateInfo means online calibration, at the Quantizer's
// discretion.
type Quantizer interface {
	Quantize(module backends.Module, config Config, info CalibrateInfo) (backends.Module, error)
}
