// Package script locates the parameter declaration region inside a
// user-supplied calibration script and splices candidate parameter vectors
// into it. The marker grammar is deliberately sloppy-tolerant: any comment
// leader, any punctuation, any casing.
package script

import (
	"fmt"
	"strings"
)

// Canonical marker lines emitted when generating scripts.
const (
	MarkerStart = "# ACCESS PARAMETERS START"
	MarkerEnd   = "# ACCESS PARAMETERS END"
)

// Region is the structured view of an extracted script: everything before the
// start marker (marker line included), the parameter-construction body, and
// everything from the end marker onwards (marker line included).
type Region struct {
	Prefix string
	Body   string
	Suffix string
}

// markerKind classifies a line as a start marker, an end marker or neither.
type markerKind int

const (
	markerNone markerKind = iota
	markerStart
	markerEnd
)

// classifyMarker tokenizes a line into its alphanumeric runs and looks for
// the consecutive sequence (ACCES|ACCESS) PARAMETERS (START|END), case
// insensitively. Comment leaders and punctuation never produce tokens, so any
// comment style is accepted.
func classifyMarker(line string) markerKind {
	tokens := alnumTokens(line)
	for i := 0; i+2 < len(tokens); i++ {
		if (tokens[i] == "acces" || tokens[i] == "access") &&
			tokens[i+1] == "parameters" {
			switch tokens[i+2] {
			case "start":
				return markerStart
			case "end":
				return markerEnd
			}
		}
	}
	return markerNone
}

// alnumTokens splits a line into lowercased runs of letters and digits.
func alnumTokens(line string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	for _, r := range line {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// Extract locates the single marker-delimited region in source. It fails with
// a FormatError when no region, more than one region, or an unterminated
// region is found.
func Extract(source string) (*Region, error) {
	lines := strings.Split(source, "\n")

	var starts, ends []int
	for i, line := range lines {
		switch classifyMarker(line) {
		case markerStart:
			starts = append(starts, i)
		case markerEnd:
			ends = append(ends, i)
		}
	}

	if len(starts) == 0 || len(ends) == 0 {
		return nil, &FormatError{Reason: "no parameter region found: expected a pair of " +
			"`ACCESS PARAMETERS START` / `ACCESS PARAMETERS END` marker lines"}
	}
	if len(starts) > 1 || len(ends) > 1 {
		return nil, &FormatError{Reason: fmt.Sprintf(
			"exactly one parameter region is allowed, found %d start and %d end markers",
			len(starts), len(ends))}
	}
	start, end := starts[0], ends[0]
	if end <= start {
		return nil, &FormatError{Reason: "parameter region end marker appears before its start marker"}
	}

	prefix := strings.Join(lines[:start+1], "\n") + "\n"
	body := strings.Join(lines[start+1:end], "\n")
	suffix := strings.Join(lines[end:], "\n")

	return &Region{Prefix: prefix, Body: body, Suffix: suffix}, nil
}

// FormatError reports a script whose parameter region cannot be located or
// parsed.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "script format error: " + e.Reason
}
