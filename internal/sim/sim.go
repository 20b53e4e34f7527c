// Package sim binds one live simulation process to the calibration
// parameter space. The wrapper pushes parameter changes into the running
// engine by substituting `${var}` placeholders in each parameter's command
// template, and exposes the stepping and state-extraction operations a
// calibration objective needs.
package sim

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/coexist-sim/calibration-core/internal/params"
)

// Engine is the raw binding to a simulation backend: it accepts script
// commands and exposes scalar and per-atom state.
type Engine interface {
	// Command executes one script command in the running simulation.
	Command(cmd string) error

	// ExtractGlobal reads a named global quantity (dt, ntimestep, atime).
	ExtractGlobal(name string) (float64, error)

	// ExtractVariable reads a named script variable.
	ExtractVariable(name string) (float64, error)

	// NumAtoms reports the particle count.
	NumAtoms() (int, error)

	// Gather collects a per-atom vector quantity as a flat x0,y0,z0,...
	// slice of length 3*NumAtoms.
	Gather(name string) ([]float64, error)

	// Close shuts the simulation down.
	Close() error
}

var placeholder = regexp.MustCompile(`\$\{(\w+)\}`)

// Simulation couples an Engine to a parameter space. Setting a parameter
// both runs its substituted command in the engine and records the value,
// so the wrapper always knows the live state.
type Simulation struct {
	engine Engine
	space  *params.Space

	values   map[string]float64
	stepSize float64
}

// New wraps engine and applies every parameter's initial value
func New(engine Engine, space *params.Space) (*Simulation, error) {
	s := &Simulation{
		engine: engine,
		space:  space,
		values: make(map[string]float64, space.Len()),
	}

	dt, err := engine.ExtractGlobal("dt")
	if err != nil {
		return nil, fmt.Errorf("failed to read the simulation step size: %w", err)
	}
	s.stepSize = dt

	for _, sp := range space.Specs() {
		if err := s.SetParameter(sp.Name, sp.Value); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetParameter pushes a new value into the live simulation. Every
// `${var}` in the parameter's command template resolves to the new value
// when var is the parameter itself, and to the engine's current variable
// otherwise.
func (s *Simulation) SetParameter(name string, value float64) error {
	spec, ok := s.space.Get(name)
	if !ok {
		return fmt.Errorf("unknown parameter %q", name)
	}

	var substErr error
	cmd := placeholder.ReplaceAllStringFunc(spec.Command, func(m string) string {
		v := placeholder.FindStringSubmatch(m)[1]
		if v == name {
			return formatValue(value)
		}
		current, err := s.engine.ExtractVariable(v)
		if err != nil && substErr == nil {
			substErr = fmt.Errorf("failed to resolve variable %q in command for %q: %w", v, name, err)
		}
		return formatValue(current)
	})
	if substErr != nil {
		return substErr
	}

	if err := s.engine.Command(cmd); err != nil {
		return fmt.Errorf("failed to apply parameter %q: %w", name, err)
	}
	if err := s.engine.Command(fmt.Sprintf("variable %s equal %s", name, formatValue(value))); err != nil {
		return fmt.Errorf("failed to update variable %q: %w", name, err)
	}

	s.values[name] = value
	return nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Parameter returns the last value set for name
func (s *Simulation) Parameter(name string) (float64, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Variable reads a script variable from the engine
func (s *Simulation) Variable(name string) (float64, error) {
	return s.engine.ExtractVariable(name)
}

// StepSize returns the current integration step size
func (s *Simulation) StepSize() float64 {
	return s.stepSize
}

// SetStepSize changes the integration step size. It must lie strictly
// between 0 and 1.
func (s *Simulation) SetStepSize(dt float64) error {
	if dt <= 0 || dt >= 1 {
		return fmt.Errorf("step size must be between 0 and 1, got %g", dt)
	}
	if err := s.engine.Command(fmt.Sprintf("timestep %s", formatValue(dt))); err != nil {
		return err
	}
	s.stepSize = dt
	return nil
}

// Step advances the simulation by n timesteps
func (s *Simulation) Step(n int) error {
	return s.engine.Command(fmt.Sprintf("run %d", n))
}

// StepTo advances the simulation up to the given timestep number
func (s *Simulation) StepTo(timestamp int) error {
	current, err := s.Timestep()
	if err != nil {
		return err
	}
	if timestamp < current {
		return fmt.Errorf("target timestep %d is below the current timestep %d; reset the timestep first",
			timestamp, current)
	}
	return s.engine.Command(fmt.Sprintf("run %d upto", timestamp))
}

// StepTime advances the simulation by the given duration, choosing the
// largest step size not exceeding the current one that divides the
// duration exactly.
func (s *Simulation) StepTime(duration float64) error {
	if duration <= 0 {
		return fmt.Errorf("duration must be positive, got %g", duration)
	}

	newDt := duration / (math.Floor(duration/s.stepSize) + 1)
	steps := int(math.Round(duration / newDt))

	oldDt := s.stepSize
	if err := s.SetStepSize(newDt); err != nil {
		return err
	}
	if err := s.Step(steps); err != nil {
		return err
	}
	return s.SetStepSize(oldDt)
}

// StepToTime advances the simulation up to the given simulated time,
// running whole steps first and one shortened step for the remainder.
func (s *Simulation) StepToTime(target float64) error {
	current, err := s.Time()
	if err != nil {
		return err
	}
	if target < current {
		return fmt.Errorf("target time %g is below the current time %g; reset the timestep first",
			target, current)
	}

	remaining := target - current
	rest := math.Mod(remaining, s.stepSize)
	whole := int(math.Round((remaining - rest) / s.stepSize))

	if whole > 0 {
		if err := s.Step(whole); err != nil {
			return err
		}
	}
	if rest > 0 {
		oldDt := s.stepSize
		if err := s.SetStepSize(rest); err != nil {
			return err
		}
		if err := s.Step(1); err != nil {
			return err
		}
		return s.SetStepSize(oldDt)
	}
	return nil
}

// ResetTime resets the timestep counter to zero
func (s *Simulation) ResetTime() error {
	return s.engine.Command("reset_timestep 0")
}

// Timestep returns the current timestep number
func (s *Simulation) Timestep() (int, error) {
	v, err := s.engine.ExtractGlobal("ntimestep")
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// Time returns the current simulated time
func (s *Simulation) Time() (float64, error) {
	return s.engine.ExtractGlobal("atime")
}

// NumAtoms returns the particle count
func (s *Simulation) NumAtoms() (int, error) {
	return s.engine.NumAtoms()
}

// Positions returns the particle positions as one [x y z] triple per atom
func (s *Simulation) Positions() ([][3]float64, error) {
	return s.gatherTriples("x")
}

// Velocities returns the particle velocities as one [x y z] triple per atom
func (s *Simulation) Velocities() ([][3]float64, error) {
	return s.gatherTriples("v")
}

func (s *Simulation) gatherTriples(name string) ([][3]float64, error) {
	n, err := s.engine.NumAtoms()
	if err != nil {
		return nil, err
	}
	flat, err := s.engine.Gather(name)
	if err != nil {
		return nil, err
	}
	if len(flat) != 3*n {
		return nil, fmt.Errorf("gathered %d values for %d atoms, want %d", len(flat), n, 3*n)
	}

	out := make([][3]float64, n)
	for i := range out {
		out[i] = [3]float64{flat[3*i], flat[3*i+1], flat[3*i+2]}
	}
	return out, nil
}

// Save writes a restart file
func (s *Simulation) Save(filename string) error {
	return s.engine.Command("write_restart " + filename)
}

// Load restores state from a restart file
func (s *Simulation) Load(filename string) error {
	return s.engine.Command("read_restart " + filename)
}

// Close shuts the underlying engine down
func (s *Simulation) Close() error {
	return s.engine.Close()
}
