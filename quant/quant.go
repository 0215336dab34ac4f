// Package quant defines the interface to the quantization collaborator and
// the parsing of calibration info files.
//
// The numeric quantization algorithm itself is external: this package only
// carries its configuration and the per-layer calibration data from disk to
// the Quantizer implementation.
package quant

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CalibrateEntry is the calibration record for one named layer.
type CalibrateEntry struct {
	Scale     float64
	ZeroPoint int
	Weights   []float64
}

// CalibrateInfo maps layer names to their calibration records.
type CalibrateInfo map[string]CalibrateEntry

// ParseCalibrateInfo reads calibration info, one line per layer:
//
//	<name> <scale:float> <zero_point:int> <comma-separated-floats>
//
// Blank lines are skipped. Malformed lines are an error.
func ParseCalibrateInfo(r io.Reader) (CalibrateInfo, error) {
	info := make(CalibrateInfo)
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		items := strings.Fields(line)
		if len(items) != 4 {
			return nil, errors.Errorf("calibrate info line %d: want 4 fields, got %d", lineNum, len(items))
		}
		scale, err := strconv.ParseFloat(items[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "calibrate info line %d: bad scale %q", lineNum, items[1])
		}
		zeroPoint, err := strconv.Atoi(items[2])
		if err != nil {
			return nil, errors.Wrapf(err, "calibrate info line %d: bad zero point %q", lineNum, items[2])
		}
		var weights []float64
		for _, field := range strings.Split(items[3], ",") {
			w, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "calibrate info line %d: bad weight %q", lineNum, field)
			}
			weights = append(weights, w)
		}
		info[items[0]] = CalibrateEntry{Scale: scale, ZeroPoint: zeroPoint, Weights: weights}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading calibrate info")
	}
	return info, nil
}

// LoadCalibrateInfo reads a calibration file. A missing file is not an
// error: it returns nil info, and quantization proceeds without calibration.
func LoadCalibrateInfo(path string) (CalibrateInfo, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening calibrate info %q", path)
	}
	defer func() { _ = f.Close() }()
	info, err := ParseCalibrateInfo(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing calibrate info %q", path)
	}
	return info, nil
}

// Config selects which layer kinds to quantize and the acceptance
// thresholds, forwarded verbatim to the Quantizer.
type Config struct {
	QuantizeConv   bool `yaml:"quantize_conv"`
	QuantizeLinear bool `yaml:"quantize_linear"`

	ConvMAEThreshold   float64 `yaml:"conv_mae_threshold"`
	LinearMAEThreshold float64 `yaml:"linear_mae_threshold"`

	ConvComputeDensityThreshold   int `yaml:"conv_compute_density_threshold"`
	LinearComputeDensityThreshold int `yaml:"linear_compute_density_threshold"`

	CacheDir string `yaml:"cache_dir"`
}
