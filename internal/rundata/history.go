package rundata

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Row is one evaluated candidate in the optimisation history: the raw
// parameter values, the per-parameter deviations of the search distribution
// at that epoch, the overall step size, the raw error components reported
// by the simulation, and the combined scalar error fed to the optimiser.
type Row struct {
	Params     []float64
	Stds       []float64
	OverallStd float64
	Components []float64
	Error      float64
}

// Table is a parsed optimisation history
type Table struct {
	Names []string
	Rows  []Row

	// Legacy marks tables read from the headerless whitespace format of
	// earlier runs.
	Legacy bool
}

// Epochs returns the number of complete epochs in the table
func (t *Table) Epochs(numSolutions int) int {
	if numSolutions <= 0 {
		return 0
	}
	return len(t.Rows) / numSolutions
}

// Best returns the row with the lowest combined error, or false when the
// table is empty.
func (t *Table) Best() (Row, bool) {
	if len(t.Rows) == 0 {
		return Row{}, false
	}
	best := t.Rows[0]
	for _, r := range t.Rows[1:] {
		if r.Error < best.Error {
			best = r
		}
	}
	return best, true
}

// HistoryWriter appends whole epochs to a history file. The header is
// written once when the file is created; reopening an existing file for
// resume keeps appending rows.
type HistoryWriter struct {
	file   *os.File
	writer *csv.Writer
	names  []string
}

// NewHistoryWriter opens path for appending, writing the header row first
// if the file is new or empty. numComponents fixes the number of raw error
// columns for the whole run.
func NewHistoryWriter(path string, names []string, numComponents int) (*HistoryWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat history file %s: %w", path, err)
	}

	w := &HistoryWriter{
		file:   f,
		writer: csv.NewWriter(f),
		names:  names,
	}

	if info.Size() == 0 {
		header := make([]string, 0, 2*len(names)+2+numComponents)
		header = append(header, names...)
		for _, n := range names {
			header = append(header, n+"_std")
		}
		header = append(header, "overall_std")
		for i := 0; i < numComponents; i++ {
			header = append(header, fmt.Sprintf("error_%d", i))
		}
		header = append(header, "error")
		if err := w.writer.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write history header: %w", err)
		}
		w.writer.Flush()
		if err := w.writer.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to flush history header: %w", err)
		}
	}

	return w, nil
}

// AppendEpoch writes one whole epoch of rows and flushes. Persisting only
// complete epochs keeps resume replay aligned with the optimiser.
func (w *HistoryWriter) AppendEpoch(rows []Row) error {
	for _, r := range rows {
		record := make([]string, 0, len(r.Params)+len(r.Stds)+2+len(r.Components))
		for _, v := range r.Params {
			record = append(record, formatFloat(v))
		}
		for _, v := range r.Stds {
			record = append(record, formatFloat(v))
		}
		record = append(record, formatFloat(r.OverallStd))
		for _, v := range r.Components {
			record = append(record, formatFloat(v))
		}
		record = append(record, formatFloat(r.Error))
		if err := w.writer.Write(record); err != nil {
			return fmt.Errorf("failed to write history row: %w", err)
		}
	}
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush history epoch: %w", err)
	}
	return w.file.Sync()
}

// Close closes the underlying file
func (w *HistoryWriter) Close() error {
	w.writer.Flush()
	return w.file.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ReadHistory parses a history file in either format. The current format
// carries a header row; the historical format is headerless
// whitespace-separated floats. A short or malformed trailing row, the mark
// of an interrupted write, is dropped rather than treated as corruption.
func ReadHistory(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history file %s: %w", path, err)
	}

	lines := splitLines(string(data))
	if len(lines) == 0 {
		return &Table{}, nil
	}

	if isNumericLine(lines[0]) {
		return parseLegacyHistory(path, lines)
	}
	return parseModernHistory(path, lines)
}

// splitLines breaks text into non-empty trimmed lines
func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// isNumericLine reports whether every field of the line parses as a float,
// splitting on both commas and whitespace. A header row always fails this.
func isNumericLine(line string) bool {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if _, err := strconv.ParseFloat(f, 64); err != nil {
			return false
		}
	}
	return true
}

// parseModernHistory reads the current headered CSV layout: parameter
// columns, matching _std columns, overall_std, raw error components, and
// the combined error.
func parseModernHistory(path string, lines []string) (*Table, error) {
	header := strings.Split(lines[0], ",")
	numParams := 0
	for _, col := range header {
		if strings.HasSuffix(col, "_std") {
			break
		}
		numParams++
	}
	if numParams == 0 || numParams >= len(header) {
		return nil, fmt.Errorf("history file %s has no recognisable parameter columns", path)
	}

	width := len(header)
	numComponents := width - 2*numParams - 2
	if numComponents < 1 {
		return nil, fmt.Errorf("history file %s has inconsistent columns: %d columns for %d parameters", path, width, numParams)
	}

	names := make([]string, numParams)
	copy(names, header[:numParams])

	table := &Table{Names: names}
	for i, line := range lines[1:] {
		values, ok := parseFloats(strings.Split(line, ","))
		if !ok || len(values) != width {
			if i == len(lines)-2 {
				break
			}
			return nil, fmt.Errorf("history file %s: malformed row %d", path, i+2)
		}
		table.Rows = append(table.Rows, rowFromValues(values, numParams, numComponents))
	}
	return table, nil
}

// parseLegacyHistory reads the headerless layout: parameter columns,
// matching deviation columns, overall deviation, one error column. The
// parameter count is recovered from the column count.
func parseLegacyHistory(path string, lines []string) (*Table, error) {
	first := strings.Fields(lines[0])
	width := len(first)
	if width < 4 || width%2 != 0 {
		return nil, fmt.Errorf("history file %s has %d columns, not a recognisable layout", path, width)
	}
	numParams := (width - 2) / 2

	table := &Table{Legacy: true}
	for i, line := range lines {
		values, ok := parseFloats(strings.Fields(line))
		if !ok || len(values) != width {
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("history file %s: malformed row %d", path, i+1)
		}
		table.Rows = append(table.Rows, rowFromValues(values, numParams, 1))
	}
	return table, nil
}

func parseFloats(fields []string) ([]float64, bool) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func rowFromValues(values []float64, numParams, numComponents int) Row {
	r := Row{
		Params:     append([]float64(nil), values[:numParams]...),
		Stds:       append([]float64(nil), values[numParams:2*numParams]...),
		OverallStd: values[2*numParams],
	}
	componentStart := 2*numParams + 1
	r.Components = append([]float64(nil), values[componentStart:componentStart+numComponents]...)
	r.Error = values[len(values)-1]
	return r
}
