package rundata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadError reports a run directory that cannot be reconstructed: missing
// or corrupt metadata, or an unrecognisable history layout.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read run data at %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// RunData is a typed read-only view of a finished or in-progress run
// directory: its metadata, the raw and scaled history tables, and the
// per-epoch summaries.
type RunData struct {
	Dir      string
	Metadata *Metadata

	History       *Table
	ScaledHistory *Table
	EpochRecords  []EpochRecord
}

// NewRunData loads a run directory. It is the constructor form of Read
// and returns an identical view.
func NewRunData(path string) (*RunData, error) {
	return Read(path)
}

// Read loads a run directory, or discovers the single run directory under
// path when path is a parent. Historical runs without a metadata file get
// metadata reconstructed from the table shape.
func Read(path string) (*RunData, error) {
	dir, err := Discover(path)
	if err != nil {
		return nil, err
	}

	p := NewPaths(dir)
	rd := &RunData{Dir: dir}

	if _, statErr := os.Stat(p.Metadata()); statErr == nil {
		rd.Metadata, err = LoadMetadata(p)
		if err != nil {
			return nil, &ReadError{Path: dir, Err: err}
		}
		if _, statErr := os.Stat(p.History(rd.Metadata.NumSolutions)); statErr == nil {
			rd.History, err = ReadHistory(p.History(rd.Metadata.NumSolutions))
			if err != nil {
				return nil, &ReadError{Path: dir, Err: err}
			}
		} else {
			rd.History = &Table{}
		}
		if _, statErr := os.Stat(p.ScaledHistory(rd.Metadata.NumSolutions)); statErr == nil {
			rd.ScaledHistory, err = ReadHistory(p.ScaledHistory(rd.Metadata.NumSolutions))
			if err != nil {
				return nil, &ReadError{Path: dir, Err: err}
			}
		}
	} else {
		if err := rd.loadLegacy(p); err != nil {
			return nil, &ReadError{Path: dir, Err: err}
		}
	}

	if _, statErr := os.Stat(p.Epochs()); statErr == nil {
		rd.EpochRecords, err = ReadEpochLog(p)
		if err != nil {
			return nil, &ReadError{Path: dir, Err: err}
		}
	}

	return rd, nil
}

// loadLegacy reads a run directory that predates the metadata file. The
// population size is recovered from the history file name and the
// parameter space from the table shape.
func (rd *RunData) loadLegacy(p Paths) error {
	historyPath, numSolutions, err := findHistoryFile(p.Root)
	if err != nil {
		return err
	}

	rd.History, err = ReadHistory(historyPath)
	if err != nil {
		return err
	}
	if len(rd.History.Rows) == 0 {
		return fmt.Errorf("run directory %s has an empty history", p.Root)
	}

	numParams := len(rd.History.Rows[0].Params)
	names := rd.History.Names
	if len(names) == 0 {
		names = make([]string, numParams)
		for i := range names {
			names[i] = fmt.Sprintf("param_%d", i)
		}
	}

	rd.Metadata = &Metadata{
		FormatVersion: 1,
		Names:         names,
		Commands:      make([]string, numParams),
		InitialValues: make([]float64, numParams),
		Minimums:      make([]float64, numParams),
		Maximums:      make([]float64, numParams),
		Sigmas:        make([]float64, numParams),
		NumSolutions:  numSolutions,
	}

	scaled := strings.TrimSuffix(historyPath, ".csv") + "_scaled.csv"
	if _, statErr := os.Stat(scaled); statErr == nil {
		rd.ScaledHistory, err = ReadHistory(scaled)
		if err != nil {
			return err
		}
	}
	return nil
}

// findHistoryFile locates the single opt_history_<N>.csv in dir and
// returns its path together with the population size N encoded in the
// name.
func findHistoryFile(dir string) (string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read run directory %s: %w", dir, err)
	}

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "opt_history_") || !strings.HasSuffix(name, ".csv") {
			continue
		}
		if strings.HasSuffix(name, "_scaled.csv") {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(name, "opt_history_%d.csv", &n); err != nil || n < 2 {
			continue
		}
		return filepath.Join(dir, name), n, nil
	}
	return "", 0, fmt.Errorf("no history file found in %s", dir)
}

// Epochs returns the number of complete epochs persisted
func (rd *RunData) Epochs() int {
	return rd.History.Epochs(rd.Metadata.NumSolutions)
}

// Best returns the best row seen so far
func (rd *RunData) Best() (Row, bool) {
	return rd.History.Best()
}
