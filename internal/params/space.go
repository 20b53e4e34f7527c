// Package params defines the table of free parameters driving a calibration
// run. The table is the canonical ordering reference: every candidate vector
// produced by the optimiser is index-aligned with the insertion order of the
// parameter specs.
package params

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/coexist-sim/calibration-core/pkg/utils"
)

// placeholderPattern matches the `${name}` substitution placeholders that a
// parameter command template must contain.
var placeholderPattern = regexp.MustCompile(`\$\{\w+\}`)

// DefaultSigmaFactor is the fraction of the bounded interval used as the
// initial search deviation when no explicit sigma is given.
const DefaultSigmaFactor = 0.2

// Spec holds a single free parameter: the command template used to push its
// value into a live simulation, the initial guess and the search bounds.
// Min and Max may be NaN when the parameter is unbounded, in which case an
// explicit sigma is required.
type Spec struct {
	Name    string
	Command string
	Value   float64
	Min     float64
	Max     float64
	Sigma   float64
}

// Bounded reports whether both bounds are present.
func (s Spec) Bounded() bool {
	return !math.IsNaN(s.Min) && !math.IsNaN(s.Max)
}

// Space is an ordered, immutable table of parameter specs keyed by name.
type Space struct {
	specs []Spec
	index map[string]int
}

// NewSpace constructs a parameter space from parallel slices. All slices must
// have the same length >= 1; sigma may be nil, in which case each parameter
// defaults to DefaultSigmaFactor * (max - min).
func NewSpace(names, commands []string, values, mins, maxs, sigma []float64) (*Space, error) {
	n := len(names)
	if n == 0 {
		return nil, &ValidationError{Field: "names", Reason: "at least one parameter is required"}
	}
	if len(commands) != n || len(values) != n || len(mins) != n || len(maxs) != n {
		return nil, &ValidationError{
			Field: "lengths",
			Reason: fmt.Sprintf(
				"names, commands, values, minimums and maximums must have equal length (got %d, %d, %d, %d, %d)",
				n, len(commands), len(values), len(mins), len(maxs)),
		}
	}
	if sigma != nil && len(sigma) != n {
		return nil, &ValidationError{
			Field:  "sigma",
			Reason: fmt.Sprintf("sigma must match the other inputs' length %d, got %d", n, len(sigma)),
		}
	}

	specs := make([]Spec, n)
	index := make(map[string]int, n)
	for i := 0; i < n; i++ {
		name := strings.TrimSpace(names[i])
		if name == "" {
			return nil, &ValidationError{Field: "names", Reason: fmt.Sprintf("parameter %d has an empty name", i)}
		}
		if _, dup := index[name]; dup {
			return nil, &ValidationError{Field: "names", Reason: fmt.Sprintf("duplicate parameter name %q", name)}
		}

		lo, hi := mins[i], maxs[i]
		bounded := !math.IsNaN(lo) && !math.IsNaN(hi)
		if bounded && lo >= hi {
			return nil, &ValidationError{
				Field:  name,
				Reason: fmt.Sprintf("minimum %g must be strictly below maximum %g", lo, hi),
			}
		}

		if !placeholderPattern.MatchString(commands[i]) {
			return nil, &ValidationError{
				Field:  name,
				Reason: "command template must contain at least one ${varname} placeholder",
			}
		}

		var sig float64
		switch {
		case sigma != nil:
			sig = sigma[i]
		case bounded:
			sig = DefaultSigmaFactor * (hi - lo)
		default:
			return nil, &ValidationError{
				Field:  name,
				Reason: "unbounded parameter requires an explicit sigma",
			}
		}
		if sig <= 0 || math.IsNaN(sig) {
			return nil, &ValidationError{
				Field:  name,
				Reason: fmt.Sprintf("sigma must be positive, got %g", sig),
			}
		}

		specs[i] = Spec{
			Name:    name,
			Command: commands[i],
			Value:   values[i],
			Min:     lo,
			Max:     hi,
			Sigma:   sig,
		}
		index[name] = i
	}

	return &Space{specs: specs, index: index}, nil
}

// CreateOptions carries the optional arguments of Create, mirroring the
// script-level factory call.
type CreateOptions struct {
	// Values are the initial guesses; default is the bound midpoint.
	Values []float64
	// Sigma overrides the default per-parameter search deviation.
	Sigma []float64
	// Commands overrides the default command template per parameter.
	Commands []string
}

// DefaultCommand returns the command template used when a parameter is
// declared without one.
func DefaultCommand(name string) string {
	return fmt.Sprintf("variable %s equal ${%s}", name, name)
}

// Create builds a Space from names and bounds only, the common form used in
// calibration scripts. Initial values default to the interval midpoints.
func Create(names []string, mins, maxs []float64, opts *CreateOptions) (*Space, error) {
	if opts == nil {
		opts = &CreateOptions{}
	}
	n := len(names)
	if len(mins) != n || len(maxs) != n {
		return nil, &ValidationError{
			Field: "lengths",
			Reason: fmt.Sprintf("names, minimums and maximums must have equal length (got %d, %d, %d)",
				n, len(mins), len(maxs)),
		}
	}

	values := opts.Values
	if values == nil {
		values = make([]float64, n)
		for i := range values {
			values[i] = 0.5 * (mins[i] + maxs[i])
		}
	}

	commands := opts.Commands
	if commands == nil {
		commands = make([]string, n)
		for i, name := range names {
			commands[i] = DefaultCommand(name)
		}
	}

	return NewSpace(names, commands, values, mins, maxs, opts.Sigma)
}

// Len returns the number of parameters.
func (s *Space) Len() int { return len(s.specs) }

// Names returns the parameter names in vector order.
func (s *Space) Names() []string {
	names := make([]string, len(s.specs))
	for i, sp := range s.specs {
		names[i] = sp.Name
	}
	return names
}

// Specs returns a copy of the ordered spec table.
func (s *Space) Specs() []Spec {
	out := make([]Spec, len(s.specs))
	copy(out, s.specs)
	return out
}

// At returns the spec at vector position i.
func (s *Space) At(i int) Spec { return s.specs[i] }

// Get looks a spec up by name.
func (s *Space) Get(name string) (Spec, bool) {
	i, ok := s.index[name]
	if !ok {
		return Spec{}, false
	}
	return s.specs[i], true
}

// Index returns the vector position of the named parameter, or -1.
func (s *Space) Index(name string) int {
	i, ok := s.index[name]
	if !ok {
		return -1
	}
	return i
}

// InitialVector returns the initial values in vector order.
func (s *Space) InitialVector() []float64 {
	v := make([]float64, len(s.specs))
	for i, sp := range s.specs {
		v[i] = sp.Value
	}
	return v
}

// Sigmas returns the per-parameter search deviations in vector order.
func (s *Space) Sigmas() []float64 {
	v := make([]float64, len(s.specs))
	for i, sp := range s.specs {
		v[i] = sp.Sigma
	}
	return v
}

// Minimums returns the lower bounds (NaN where absent) in vector order.
func (s *Space) Minimums() []float64 {
	v := make([]float64, len(s.specs))
	for i, sp := range s.specs {
		v[i] = sp.Min
	}
	return v
}

// Maximums returns the upper bounds (NaN where absent) in vector order.
func (s *Space) Maximums() []float64 {
	v := make([]float64, len(s.specs))
	for i, sp := range s.specs {
		v[i] = sp.Max
	}
	return v
}

// Clamp returns a copy of vector with every component clipped to its bounds.
// NaN bounds leave the component untouched. The input length must equal Len.
func (s *Space) Clamp(vector []float64) []float64 {
	out := make([]float64, len(vector))
	for i, v := range vector {
		out[i] = utils.ClampFloat64(v, s.specs[i].Min, s.specs[i].Max)
	}
	return out
}

// ScaleBySigma divides each component by its initial search sigma, producing
// the normalised view persisted in the scaled history table.
func (s *Space) ScaleBySigma(vector []float64) []float64 {
	out := make([]float64, len(vector))
	for i, v := range vector {
		out[i] = v / s.specs[i].Sigma
	}
	return out
}

// ValidationError reports an invalid parameter space construction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid parameter space: " + e.Field + ": " + e.Reason
}
