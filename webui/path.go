package webui

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/Cherwayway/onediff/deploy"
)

// GraphPath returns the canonical on-disk location for a compiled graph:
// <baseDir>/graphs/<identity>/<module>_graph_<version>_<backend>_<hash>,
// creating the per-identity directory if needed. Keeping the runtime
// version in the file name means upgrading never reloads a stale graph.
func GraphPath(baseDir string, identity deploy.ModuleIdentity, moduleName, backendName string) (string, error) {
	dir := filepath.Join(baseDir, "graphs", identity.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "creating graph directory %q", dir)
	}
	return filepath.Join(dir, identity.GraphFileName(moduleName, backendName)), nil
}
