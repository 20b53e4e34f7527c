package rundata

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
)

// EpochRecord is the fixed-shape per-epoch summary row. Unlike the history
// table its width does not depend on the parameter count, so it stays
// readable across runs of different dimension.
type EpochRecord struct {
	Epoch     int     `csv:"epoch"`
	Sigma     float64 `csv:"sigma"`
	BestError float64 `csv:"best_error"`
	MeanError float64 `csv:"mean_error"`
	Crashes   int     `csv:"crashes"`
}

// EpochLog appends EpochRecord rows to epochs.csv
type EpochLog struct {
	file          *os.File
	headerWritten bool
}

// NewEpochLog opens the epoch summary file for appending. A non-empty
// existing file keeps its header.
func NewEpochLog(p Paths) (*EpochLog, error) {
	f, err := os.OpenFile(p.Epochs(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open epoch summary: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat epoch summary: %w", err)
	}
	return &EpochLog{file: f, headerWritten: info.Size() > 0}, nil
}

// Append writes one epoch summary record
func (l *EpochLog) Append(rec EpochRecord) error {
	records := []EpochRecord{rec}

	if !l.headerWritten {
		if err := gocsv.Marshal(records, l.file); err != nil {
			return fmt.Errorf("failed to write epoch summary: %w", err)
		}
		l.headerWritten = true
	} else {
		if err := gocsv.MarshalWithoutHeaders(records, l.file); err != nil {
			return fmt.Errorf("failed to write epoch summary: %w", err)
		}
	}
	return nil
}

// Close closes the underlying file
func (l *EpochLog) Close() error {
	return l.file.Close()
}

// ReadEpochLog parses the epoch summary file
func ReadEpochLog(p Paths) ([]EpochRecord, error) {
	f, err := os.Open(p.Epochs())
	if err != nil {
		return nil, fmt.Errorf("failed to open epoch summary: %w", err)
	}
	defer f.Close()

	var records []EpochRecord
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		return nil, fmt.Errorf("failed to parse epoch summary: %w", err)
	}
	return records, nil
}
