package rundata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coexist-sim/calibration-core/pkg/utils"
)

const (
	// MetadataFile is the run metadata file name inside a run directory.
	MetadataFile = "access_info.yaml"

	// EpochsFile is the per-epoch summary file name.
	EpochsFile = "epochs.csv"

	outputsDir     = "outputs"
	scriptsDir     = "scripts"
	simulationsDir = "simulations"
)

// Paths resolves the file layout of one run directory
type Paths struct {
	Root string
}

// NewPaths creates a Paths rooted at dir
func NewPaths(dir string) Paths {
	return Paths{Root: dir}
}

// Metadata returns the metadata file path
func (p Paths) Metadata() string {
	return filepath.Join(p.Root, MetadataFile)
}

// History returns the raw-space history path for the given population size
func (p Paths) History(numSolutions int) string {
	return filepath.Join(p.Root, fmt.Sprintf("opt_history_%d.csv", numSolutions))
}

// ScaledHistory returns the scaled-space history path
func (p Paths) ScaledHistory(numSolutions int) string {
	return filepath.Join(p.Root, fmt.Sprintf("opt_history_%d_scaled.csv", numSolutions))
}

// Epochs returns the per-epoch summary path
func (p Paths) Epochs() string {
	return filepath.Join(p.Root, EpochsFile)
}

// Outputs returns the directory holding captured candidate stdout/stderr
func (p Paths) Outputs() string {
	return filepath.Join(p.Root, outputsDir)
}

// Scripts returns the directory holding generated candidate scripts
func (p Paths) Scripts() string {
	return filepath.Join(p.Root, scriptsDir)
}

// Simulations returns the per-candidate scratch directory root
func (p Paths) Simulations() string {
	return filepath.Join(p.Root, simulationsDir)
}

// EnsureLayout creates the run directory and its subdirectories
func (p Paths) EnsureLayout() error {
	for _, dir := range []string{p.Root, p.Outputs(), p.Scripts(), p.Simulations()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create run directory %s: %w", dir, err)
		}
	}
	return nil
}

// IsRunDir reports whether dir looks like a run directory, either by its
// metadata file or by the naming convention of either format.
func IsRunDir(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, MetadataFile)); err == nil {
		return true
	}
	base := filepath.Base(dir)
	if !strings.HasPrefix(base, utils.RunDirPrefix) && !strings.HasPrefix(base, utils.LegacyRunDirPrefix) {
		return false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "opt_history_") {
			return true
		}
	}
	return false
}

// Discover resolves path to a run directory. If path itself is a run
// directory it is returned as is; otherwise its children are searched for
// a directory matching either naming convention. Exactly one match is
// required.
func Discover(path string) (string, error) {
	if IsRunDir(path) {
		return path, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", path, err)
	}

	var matches []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child := filepath.Join(path, e.Name())
		if IsRunDir(child) {
			matches = append(matches, child)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no run directory found under %s", path)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("multiple run directories found under %s: %v", path, matches)
	}
}
