package script

import (
	"strconv"
	"strings"

	"github.com/coexist-sim/calibration-core/internal/params"
)

// Substitution identifies one candidate evaluation: which epoch and slot it
// occupies, its monotonically increasing run index across the whole
// calibration, and the file the candidate must write its error value(s) to.
type Substitution struct {
	Epoch      int
	Index      int
	RunID      int
	ResultPath string
}

// Splice produces a complete, independently executable candidate script: the
// region prefix, a generated literal-assignment block replacing the parameter
// construction, and the untouched suffix. The generated block is
// assignment-only so it parses in any scripting language with `name=value`
// syntax; candidate scripts therefore differ only in the substituted floats.
func Splice(region *Region, space *params.Space, vector []float64, sub Substitution) string {
	var b strings.Builder
	b.WriteString(region.Prefix)

	for i, sp := range space.Specs() {
		b.WriteString(sp.Name)
		b.WriteByte('=')
		b.WriteString(formatFloat(vector[i]))
		b.WriteByte('\n')
	}
	b.WriteString("access_id=")
	b.WriteString(strconv.Itoa(sub.RunID))
	b.WriteByte('\n')
	b.WriteString("access_epoch=")
	b.WriteString(strconv.Itoa(sub.Epoch))
	b.WriteByte('\n')
	b.WriteString("access_index=")
	b.WriteString(strconv.Itoa(sub.Index))
	b.WriteByte('\n')
	b.WriteString("access_result='")
	b.WriteString(sub.ResultPath)
	b.WriteString("'\n")

	b.WriteString(region.Suffix)
	return b.String()
}

// formatFloat renders a float64 with full round-trip precision in a form
// readable both as a shell word and a numeric literal.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
