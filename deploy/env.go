package deploy

import (
	"os"
	"strings"
)

// Environment toggles consumed by the dispatch core.
const (
	// EnvUseInterpreter makes entry points run the backend-side module
	// eagerly instead of through the compiled graph.
	EnvUseInterpreter = "ONEDIFF_INFER_COMPILER_USE_INTERPRETER"

	// EnvMLIRInferenceOptimization doesn't change behavior here, but when
	// truthy makes graph reuse potentially unsafe, so the recompile policy
	// warns about it. Defaults to enabled.
	EnvMLIRInferenceOptimization = "ONEFLOW_MLIR_ENABLE_INFERENCE_OPTIMIZATION"
)

// ParseBooleanFromEnv reads a boolean environment variable, accepting
// "true", "1" and "t" (case-insensitive) as true and anything else as false.
// An unset variable returns defaultValue.
func ParseBooleanFromEnv(name string, defaultValue bool) bool {
	value, found := os.LookupEnv(name)
	if !found {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "t":
		return true
	default:
		return false
	}
}
