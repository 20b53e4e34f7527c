package sim

import (
	"fmt"
	"strings"
	"testing"

	"github.com/coexist-sim/calibration-core/internal/params"
)

// fakeEngine records every command and serves scripted state
type fakeEngine struct {
	commands  []string
	globals   map[string]float64
	variables map[string]float64
	atoms     int
	gathered  map[string][]float64
	closed    bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		globals:   map[string]float64{"dt": 0.001, "ntimestep": 0, "atime": 0},
		variables: map[string]float64{},
		gathered:  map[string][]float64{},
	}
}

func (f *fakeEngine) Command(cmd string) error {
	f.commands = append(f.commands, cmd)
	// Track `variable X equal V` so later substitutions see updates.
	var name string
	var value float64
	if n, _ := fmt.Sscanf(cmd, "variable %s equal %g", &name, &value); n == 2 {
		f.variables[name] = value
	}
	if n, _ := fmt.Sscanf(cmd, "timestep %g", &value); n == 1 {
		f.globals["dt"] = value
	}
	return nil
}

func (f *fakeEngine) ExtractGlobal(name string) (float64, error) {
	v, ok := f.globals[name]
	if !ok {
		return 0, fmt.Errorf("unknown global %q", name)
	}
	return v, nil
}

func (f *fakeEngine) ExtractVariable(name string) (float64, error) {
	v, ok := f.variables[name]
	if !ok {
		return 0, fmt.Errorf("unknown variable %q", name)
	}
	return v, nil
}

func (f *fakeEngine) NumAtoms() (int, error) { return f.atoms, nil }

func (f *fakeEngine) Gather(name string) ([]float64, error) {
	return f.gathered[name], nil
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

func (f *fakeEngine) lastCommand() string {
	if len(f.commands) == 0 {
		return ""
	}
	return f.commands[len(f.commands)-1]
}

func testSpace(t *testing.T) *params.Space {
	t.Helper()
	space, err := params.NewSpace(
		[]string{"corPP", "corPW"},
		[]string{
			"fix m1 all property/global coefficientRestitution peratomtypepair 2 ${corPP} ${corPW}",
			"fix m2 all property/global coefficientRestitution peratomtypepair 2 ${corPW} ${corPP}",
		},
		[]float64{0.5, 0.6},
		[]float64{0, 0},
		[]float64{1, 1},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	return space
}

func TestNewAppliesInitialValues(t *testing.T) {
	eng := newFakeEngine()
	eng.variables["corPP"] = 0.5
	eng.variables["corPW"] = 0.6

	s, err := New(eng, testSpace(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if s.StepSize() != 0.001 {
		t.Errorf("StepSize = %v, want 0.001", s.StepSize())
	}
	if v, ok := s.Parameter("corPP"); !ok || v != 0.5 {
		t.Errorf("Parameter(corPP) = %v, %v", v, ok)
	}

	// Each parameter contributes its substituted fix command plus a
	// variable update.
	if len(eng.commands) != 4 {
		t.Fatalf("expected 4 commands, got %d: %v", len(eng.commands), eng.commands)
	}
	if !strings.Contains(eng.commands[0], "peratomtypepair 2 0.5 0.6") {
		t.Errorf("first command = %q", eng.commands[0])
	}
}

func TestSetParameterSubstitution(t *testing.T) {
	eng := newFakeEngine()
	eng.variables["corPP"] = 0.5
	eng.variables["corPW"] = 0.6

	s, err := New(eng, testSpace(t))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetParameter("corPP", 0.9); err != nil {
		t.Fatalf("SetParameter failed: %v", err)
	}

	// The new value replaces ${corPP}; ${corPW} resolves from the engine.
	applied := eng.commands[len(eng.commands)-2]
	if !strings.Contains(applied, "peratomtypepair 2 0.9 0.6") {
		t.Errorf("applied command = %q", applied)
	}
	if eng.lastCommand() != "variable corPP equal 0.9" {
		t.Errorf("variable update = %q", eng.lastCommand())
	}
	if v, _ := s.Parameter("corPP"); v != 0.9 {
		t.Errorf("recorded value = %v", v)
	}
}

func TestSetParameterUnknown(t *testing.T) {
	eng := newFakeEngine()
	eng.variables["corPP"] = 0.5
	eng.variables["corPW"] = 0.6
	s, err := New(eng, testSpace(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetParameter("nope", 1); err == nil {
		t.Fatal("expected error for unknown parameter")
	}
}

func TestStepCommands(t *testing.T) {
	eng := newFakeEngine()
	eng.variables["corPP"] = 0.5
	eng.variables["corPW"] = 0.6
	s, err := New(eng, testSpace(t))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Step(100); err != nil {
		t.Fatal(err)
	}
	if eng.lastCommand() != "run 100" {
		t.Errorf("Step command = %q", eng.lastCommand())
	}

	if err := s.StepTo(500); err != nil {
		t.Fatal(err)
	}
	if eng.lastCommand() != "run 500 upto" {
		t.Errorf("StepTo command = %q", eng.lastCommand())
	}

	eng.globals["ntimestep"] = 1000
	if err := s.StepTo(500); err == nil {
		t.Error("expected error when stepping backwards")
	}
}

func TestStepTimeRestoresStepSize(t *testing.T) {
	eng := newFakeEngine()
	eng.variables["corPP"] = 0.5
	eng.variables["corPW"] = 0.6
	s, err := New(eng, testSpace(t))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.StepTime(0.0025); err != nil {
		t.Fatalf("StepTime failed: %v", err)
	}
	if s.StepSize() != 0.001 {
		t.Errorf("step size not restored: %v", s.StepSize())
	}

	// 0.0025 with dt=0.001 needs 3 steps of 0.0025/3 each.
	joined := strings.Join(eng.commands, "\n")
	if !strings.Contains(joined, "run 3") {
		t.Errorf("expected 3 shortened steps, commands:\n%s", joined)
	}

	if err := s.StepTime(-1); err == nil {
		t.Error("expected error for negative duration")
	}
}

func TestStepToTime(t *testing.T) {
	eng := newFakeEngine()
	eng.variables["corPP"] = 0.5
	eng.variables["corPW"] = 0.6
	s, err := New(eng, testSpace(t))
	if err != nil {
		t.Fatal(err)
	}

	eng.globals["atime"] = 1.0
	if err := s.StepToTime(0.5); err == nil {
		t.Error("expected error when target time is in the past")
	}

	eng.globals["atime"] = 0
	if err := s.StepToTime(0.0105); err != nil {
		t.Fatalf("StepToTime failed: %v", err)
	}
	joined := strings.Join(eng.commands, "\n")
	if !strings.Contains(joined, "run 10") {
		t.Errorf("expected 10 whole steps, commands:\n%s", joined)
	}
	if s.StepSize() != 0.001 {
		t.Errorf("step size not restored: %v", s.StepSize())
	}
}

func TestSetStepSizeValidation(t *testing.T) {
	eng := newFakeEngine()
	eng.variables["corPP"] = 0.5
	eng.variables["corPW"] = 0.6
	s, err := New(eng, testSpace(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetStepSize(0); err == nil {
		t.Error("expected error for zero step size")
	}
	if err := s.SetStepSize(1.5); err == nil {
		t.Error("expected error for step size above 1")
	}
	if err := s.SetStepSize(0.01); err != nil {
		t.Errorf("valid step size rejected: %v", err)
	}
}

func TestGatheredState(t *testing.T) {
	eng := newFakeEngine()
	eng.variables["corPP"] = 0.5
	eng.variables["corPW"] = 0.6
	eng.atoms = 2
	eng.gathered["x"] = []float64{1, 2, 3, 4, 5, 6}
	eng.gathered["v"] = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}

	s, err := New(eng, testSpace(t))
	if err != nil {
		t.Fatal(err)
	}

	pos, err := s.Positions()
	if err != nil {
		t.Fatal(err)
	}
	if len(pos) != 2 || pos[1] != [3]float64{4, 5, 6} {
		t.Errorf("Positions = %v", pos)
	}

	vel, err := s.Velocities()
	if err != nil {
		t.Fatal(err)
	}
	if vel[0] != [3]float64{0.1, 0.2, 0.3} {
		t.Errorf("Velocities = %v", vel)
	}

	eng.gathered["x"] = []float64{1, 2}
	if _, err := s.Positions(); err == nil {
		t.Error("expected error for mismatched gather length")
	}
}

func TestSaveLoadAndClose(t *testing.T) {
	eng := newFakeEngine()
	eng.variables["corPP"] = 0.5
	eng.variables["corPW"] = 0.6
	s, err := New(eng, testSpace(t))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Save("restart.data"); err != nil {
		t.Fatal(err)
	}
	if eng.lastCommand() != "write_restart restart.data" {
		t.Errorf("Save command = %q", eng.lastCommand())
	}

	if err := s.Load("restart.data"); err != nil {
		t.Fatal(err)
	}
	if eng.lastCommand() != "read_restart restart.data" {
		t.Errorf("Load command = %q", eng.lastCommand())
	}

	if err := s.ResetTime(); err != nil {
		t.Fatal(err)
	}
	if eng.lastCommand() != "reset_timestep 0" {
		t.Errorf("ResetTime command = %q", eng.lastCommand())
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !eng.closed {
		t.Error("engine not closed")
	}
}
