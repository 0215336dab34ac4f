// Package webui is the host-process entry point of the dispatch core: it
// decides when the active model needs recompilation, compiles recognized
// UNet architectures into deployable modules, and substitutes the compiled
// module into the host's module slot for the duration of a request.
package webui

import (
	"fmt"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"github.com/Cherwayway/onediff/backends"
	"github.com/Cherwayway/onediff/deploy"
	"github.com/Cherwayway/onediff/quant"
)

// Architecture names the UNet codebase family a model belongs to. Only
// these are eligible for compilation.
type Architecture string

const (
	// ArchLDM covers SD 1.x and SD 2.x UNets.
	ArchLDM Architecture = "ldm"
	// ArchSGM covers SDXL and SSD UNets.
	ArchSGM Architecture = "sgm"
)

// Recognize classifies a module by its architecture-family flags. Modules
// that expose no flags, or none set, are not compile-eligible.
func Recognize(module backends.Module) (Architecture, bool) {
	flags, ok := module.(deploy.FamilyFlags)
	if !ok {
		return "", false
	}
	switch {
	case flags.IsSDXL() || flags.IsSSD():
		return ArchSGM, true
	case flags.IsSD2() || flags.IsSD1():
		return ArchLDM, true
	}
	return "", false
}

// CompileConfig carries everything CompileUNet needs beyond the module
// itself.
type CompileConfig struct {
	// Options for the deployable wrapper; nil means defaults.
	Options *deploy.CompileOptions

	// Quantization turns on online int8 quantization. Quantizer must be set
	// for it to take effect.
	Quantization bool
	Quantizer    quant.Quantizer
	QuantConfig  quant.Config

	// CheckpointPath locates the calibration file next to the checkpoint:
	// <dir>/<stem>_sd_calibrate_info.txt.
	CheckpointPath string

	// DynamicShapes tolerates input-structure changes across calls.
	DynamicShapes bool
}

// CalibrateFilePath returns where the calibration info for a checkpoint is
// expected on disk.
func CalibrateFilePath(checkpointPath string) string {
	stem := strings.TrimSuffix(filepath.Base(checkpointPath), filepath.Ext(checkpointPath))
	return filepath.Join(filepath.Dir(checkpointPath), stem+"_sd_calibrate_info.txt")
}

// CompileUNet wraps a recognized UNet module for compiled dispatch on
// backend. Unrecognized architectures degrade gracefully: a warning is
// logged and the original module is returned unchanged, so the host keeps
// running eagerly.
func CompileUNet(backend backends.Backend, module backends.Module, config CompileConfig) backends.Module {
	arch, ok := Recognize(module)
	if !ok {
		err := &deploy.UnsupportedModuleTypeError{Module: fmt.Sprintf("%T", module)}
		klog.Warningf("%v, skipping compilation", err)
		return module
	}
	klog.V(1).Infof("compiling %s UNet %q", arch, module.Name())

	wrapper := deploy.New(backend, module, nil, config.DynamicShapes, config.Options)
	if config.Quantization && config.Quantizer != nil {
		wrapper.SetQuantizer(config.Quantizer)
		wrapper.ApplyOnlineQuant(config.QuantConfig)
		if config.CheckpointPath != "" {
			path := CalibrateFilePath(config.CheckpointPath)
			info, err := quant.LoadCalibrateInfo(path)
			if err != nil {
				klog.Warningf("ignoring calibrate info at %q: %v", path, err)
			} else if info != nil {
				klog.V(1).Infof("got calibrate info at %q (%d entries)", path, len(info))
				wrapper.SetCalibrateInfo(info)
			}
		}
	}
	return wrapper.AsModule()
}
