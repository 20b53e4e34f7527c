// Package scheduler turns a candidate script into an executable job. The
// local scheduler runs candidates as subprocesses of an interpreter; the
// Slurm scheduler emits an sbatch submission script so candidates run as
// batch-queue jobs.
package scheduler

import (
	"fmt"
	"os"
	"strings"
)

// DefaultInterpreter is used when no interpreter is configured.
const DefaultInterpreter = "/bin/sh"

// DefaultSubmissionFile is the sbatch wrapper emitted by the Slurm scheduler.
const DefaultSubmissionFile = "access_single_submission.sh"

// Scheduler describes how to invoke one candidate script. The first returned
// token identifies the execution mode: an interpreter path for local runs, a
// batch submission command such as "sbatch" otherwise.
type Scheduler interface {
	Generate(scriptPath string) ([]string, error)
}

// Local executes candidates as direct subprocesses.
type Local struct {
	// Interpreter is the executable that runs candidate scripts.
	Interpreter string
}

// NewLocal returns a local scheduler; an empty interpreter selects
// DefaultInterpreter.
func NewLocal(interpreter string) *Local {
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	return &Local{Interpreter: interpreter}
}

// Generate returns the interpreter invocation for the candidate script.
func (l *Local) Generate(scriptPath string) ([]string, error) {
	interpreter := l.Interpreter
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	return []string{interpreter, scriptPath}, nil
}

// Slurm submits candidates to a Slurm batch queue via sbatch.
type Slurm struct {
	// Time is the walltime limit, e.g. "10:0:0". Required.
	Time string
	// Commands are extra shell lines inserted into the submission script
	// before the candidate is run (module loads, environment setup).
	Commands string
	// Interpreter runs the candidate inside the batch job; defaults to
	// DefaultInterpreter.
	Interpreter string

	QOS        string
	Account    string
	Partition  string
	Constraint string
	MemPerCPU  string
	NTasks     int

	// SubmissionFile is the path of the emitted wrapper script; defaults to
	// DefaultSubmissionFile in the working directory.
	SubmissionFile string
}

// Generate writes the sbatch submission script (a side effect, regenerated on
// every call) and returns the sbatch invocation. The candidate script path is
// passed as the wrapper's first argument.
func (s *Slurm) Generate(scriptPath string) ([]string, error) {
	if s.Time == "" {
		return nil, fmt.Errorf("slurm scheduler: walltime is required")
	}

	submission := s.SubmissionFile
	if submission == "" {
		submission = DefaultSubmissionFile
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --time %s\n", s.Time)
	ntasks := s.NTasks
	if ntasks <= 0 {
		ntasks = 1
	}
	fmt.Fprintf(&b, "#SBATCH --ntasks %d\n", ntasks)
	if s.QOS != "" {
		fmt.Fprintf(&b, "#SBATCH --qos %s\n", s.QOS)
	}
	if s.Account != "" {
		fmt.Fprintf(&b, "#SBATCH --account %s\n", s.Account)
	}
	if s.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition %s\n", s.Partition)
	}
	if s.Constraint != "" {
		fmt.Fprintf(&b, "#SBATCH --constraint %s\n", s.Constraint)
	}
	if s.MemPerCPU != "" {
		fmt.Fprintf(&b, "#SBATCH --mem-per-cpu %s\n", s.MemPerCPU)
	}
	b.WriteString("#SBATCH --wait\n")
	b.WriteString("\n")

	if s.Commands != "" {
		for _, line := range strings.Split(s.Commands, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteString("\n")
	}

	interpreter := s.Interpreter
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	fmt.Fprintf(&b, "%s \"$1\"\n", interpreter)

	if err := os.WriteFile(submission, []byte(b.String()), 0o755); err != nil {
		return nil, fmt.Errorf("slurm scheduler: writing submission script: %w", err)
	}

	return []string{"sbatch", submission, scriptPath}, nil
}
