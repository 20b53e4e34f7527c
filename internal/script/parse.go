package script

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/coexist-sim/calibration-core/internal/params"
)

// factoryName is the conventional factory call a parameter region must
// contain for the space to be reconstructed without executing the script.
const factoryName = "create_parameters"

// ParseSpace reconstructs the parameter space declared by the region body's
// create_parameters(...) call. Positional arguments are (names, minimums,
// maximums, values, sigma); values, sigma and commands are also accepted as
// keyword arguments.
func ParseSpace(region *Region) (*params.Space, error) {
	args, err := factoryArguments(region.Body)
	if err != nil {
		return nil, err
	}

	var (
		names             []string
		commands          []string
		mins, maxs        []float64
		values, sigma     []float64
		haveMins, haveMax bool
	)

	positional := 0
	for _, arg := range args {
		key := arg.key
		if key == "" {
			switch positional {
			case 0:
				key = "variables"
			case 1:
				key = "minimums"
			case 2:
				key = "maximums"
			case 3:
				key = "values"
			case 4:
				key = "sigma"
			default:
				return nil, &FormatError{Reason: fmt.Sprintf(
					"%s: too many positional arguments (%d)", factoryName, positional+1)}
			}
			positional++
		}

		switch key {
		case "variables":
			list, err := arg.stringList()
			if err != nil {
				return nil, err
			}
			names = list
		case "minimums":
			list, err := arg.floatList()
			if err != nil {
				return nil, err
			}
			mins, haveMins = list, true
		case "maximums":
			list, err := arg.floatList()
			if err != nil {
				return nil, err
			}
			maxs, haveMax = list, true
		case "values":
			list, err := arg.floatList()
			if err != nil {
				return nil, err
			}
			values = list
		case "sigma":
			list, err := arg.floatList()
			if err != nil {
				return nil, err
			}
			sigma = list
		case "commands":
			list, err := arg.stringList()
			if err != nil {
				return nil, err
			}
			commands = list
		default:
			// Unknown keyword arguments are tolerated, matching the loose
			// factory signature across historical script versions.
		}
	}

	if names == nil || !haveMins || !haveMax {
		return nil, &FormatError{Reason: factoryName +
			" requires at least the parameter names, minimums and maximums lists"}
	}

	return params.Create(names, mins, maxs, &params.CreateOptions{
		Values:   values,
		Sigma:    sigma,
		Commands: commands,
	})
}

// argument is one comma-separated argument of the factory call, optionally
// keyed (`sigma = [...]`).
type argument struct {
	key  string
	text string
}

func (a argument) list() ([]string, error) {
	text := strings.TrimSpace(a.text)
	if !strings.HasPrefix(text, "[") || !strings.HasSuffix(text, "]") {
		return nil, &FormatError{Reason: fmt.Sprintf(
			"%s: argument %q is not a bracketed list", factoryName, truncate(text, 40))}
	}
	return splitTopLevel(text[1 : len(text)-1])
}

func (a argument) stringList() ([]string, error) {
	elements, err := a.list()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(elements))
	for _, el := range elements {
		s, ok := unquote(el)
		if !ok {
			return nil, &FormatError{Reason: fmt.Sprintf(
				"%s: expected a quoted string, got %q", factoryName, truncate(el, 40))}
		}
		out = append(out, s)
	}
	return out, nil
}

func (a argument) floatList() ([]float64, error) {
	elements, err := a.list()
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(elements))
	for _, el := range elements {
		el = strings.TrimSpace(el)
		if el == "None" {
			out = append(out, math.NaN())
			continue
		}
		v, err := strconv.ParseFloat(el, 64)
		if err != nil {
			return nil, &FormatError{Reason: fmt.Sprintf(
				"%s: expected a number, got %q", factoryName, truncate(el, 40))}
		}
		out = append(out, v)
	}
	return out, nil
}

// factoryArguments finds the single create_parameters call in body and
// returns its top-level arguments.
func factoryArguments(body string) ([]argument, error) {
	stripped := stripComments(body)

	idx := findFactory(stripped)
	if idx < 0 {
		return nil, &FormatError{Reason: "parameter region does not call " + factoryName + "(...)"}
	}

	open := strings.Index(stripped[idx:], "(")
	if open < 0 {
		return nil, &FormatError{Reason: factoryName + " is not followed by an argument list"}
	}
	open += idx

	inner, err := balancedParens(stripped[open:])
	if err != nil {
		return nil, err
	}

	parts, err := splitTopLevel(inner)
	if err != nil {
		return nil, err
	}

	args := make([]argument, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		arg := argument{text: part}
		if eq := topLevelEquals(part); eq >= 0 {
			key := strings.TrimSpace(part[:eq])
			if isIdentifier(key) {
				arg.key = key
				arg.text = part[eq+1:]
			}
		}
		args = append(args, arg)
	}
	return args, nil
}

// findFactory returns the index of the factory identifier, requiring it not
// to be part of a longer identifier.
func findFactory(text string) int {
	for start := 0; ; {
		idx := strings.Index(text[start:], factoryName)
		if idx < 0 {
			return -1
		}
		idx += start
		before := byte(0)
		if idx > 0 {
			before = text[idx-1]
		}
		after := byte(0)
		if end := idx + len(factoryName); end < len(text) {
			after = text[end]
		}
		if !isIdentByte(before) && !isIdentByte(after) {
			return idx
		}
		start = idx + len(factoryName)
	}
}

// balancedParens takes text starting at '(' and returns the contents up to
// the matching ')'.
func balancedParens(text string) (string, error) {
	depth := 0
	inString := byte(0)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString != 0 {
			if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inString = c
		case '(', '[':
			depth++
		case ')', ']':
			depth--
			if depth == 0 {
				return text[1:i], nil
			}
		}
	}
	return "", &FormatError{Reason: factoryName + " argument list is not closed"}
}

// splitTopLevel splits on commas that are not nested inside brackets, parens
// or string literals. Trailing commas are tolerated.
func splitTopLevel(text string) ([]string, error) {
	var parts []string
	depth := 0
	inString := byte(0)
	last := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString != 0 {
			if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inString = c
		case '(', '[':
			depth++
		case ')', ']':
			depth--
			if depth < 0 {
				return nil, &FormatError{Reason: "unbalanced brackets in " + factoryName + " arguments"}
			}
		case ',':
			if depth == 0 {
				parts = append(parts, text[last:i])
				last = i + 1
			}
		}
	}
	if inString != 0 || depth != 0 {
		return nil, &FormatError{Reason: "unterminated list in " + factoryName + " arguments"}
	}
	if tail := strings.TrimSpace(text[last:]); tail != "" {
		parts = append(parts, tail)
	}
	return parts, nil
}

// topLevelEquals returns the index of a `=` at nesting depth zero that is not
// part of a comparison operator, or -1.
func topLevelEquals(text string) int {
	depth := 0
	inString := byte(0)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString != 0 {
			if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inString = c
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case '=':
			if depth != 0 {
				continue
			}
			if i+1 < len(text) && text[i+1] == '=' {
				i++
				continue
			}
			if i > 0 && (text[i-1] == '!' || text[i-1] == '<' || text[i-1] == '>') {
				continue
			}
			return i
		}
	}
	return -1
}

// stripComments removes `#`-to-end-of-line comments outside string literals.
func stripComments(text string) string {
	var b strings.Builder
	inString := byte(0)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString != 0 {
			if c == inString {
				inString = 0
			}
			b.WriteByte(c)
			continue
		}
		switch c {
		case '\'', '"':
			inString = c
			b.WriteByte(c)
		case '#':
			for i < len(text) && text[i] != '\n' {
				i++
			}
			if i < len(text) {
				b.WriteByte('\n')
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unquote(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if len(text) < 2 {
		return "", false
	}
	q := text[0]
	if (q != '\'' && q != '"') || text[len(text)-1] != q {
		return "", false
	}
	return text[1 : len(text)-1], true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i]) {
			return false
		}
	}
	return true
}

func isIdentByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
