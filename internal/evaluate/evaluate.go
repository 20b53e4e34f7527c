package evaluate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/coexist-sim/calibration-core/internal/scheduler"
	"github.com/coexist-sim/calibration-core/pkg/logger"
	"github.com/coexist-sim/calibration-core/pkg/utils"
)

// Penalty is the error assigned to crashed candidates. It is large enough
// to rank any crash behind every real result while staying finite, so the
// optimiser's arithmetic never sees an infinity.
const Penalty = 1e30

// Job describes one candidate evaluation
type Job struct {
	Epoch int
	Index int

	// RunID is the global candidate counter across all epochs.
	RunID int

	// ScriptPath is the generated candidate script to execute.
	ScriptPath string

	// ResultPath is where the candidate must write its error value(s).
	ResultPath string

	// StdoutPath and StderrPath capture the candidate's output verbatim.
	StdoutPath string
	StderrPath string

	// WorkDir is the candidate's scratch directory.
	WorkDir string
}

// Result is the outcome of one evaluation. A crashed candidate carries no
// components; the caller substitutes the penalty.
type Result struct {
	Components []float64
	Crashed    bool

	// Cause describes why the candidate crashed, for logging only.
	Cause error
}

// SubmitError reports that a candidate could not even be handed to the
// scheduler. Unlike a crash this is an infrastructure failure and aborts
// the run.
type SubmitError struct {
	Index int
	Err   error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("failed to submit candidate %d: %v", e.Index, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Evaluator runs candidate scripts through a scheduler and collects their
// results.
type Evaluator struct {
	sched scheduler.Scheduler

	// resultWait bounds how long to wait for the result file after the
	// scheduler command returns. Shared filesystems on batch clusters
	// can lag behind job completion.
	resultWait time.Duration
	backoff    utils.BackoffStrategy
}

// NewEvaluator creates an evaluator dispatching through sched. Result
// polling backs off exponentially with jitter so a full population
// waiting on a slow shared filesystem does not stat in lockstep.
func NewEvaluator(sched scheduler.Scheduler) *Evaluator {
	return &Evaluator{
		sched:      sched,
		resultWait: 10 * time.Second,
		backoff:    utils.NewExponentialBackoff(50*time.Millisecond, time.Second, 2.0, true),
	}
}

// Evaluate runs one candidate to completion. A non-zero exit, a missing
// result file or an unparsable result all classify as a crash; only
// submission failures return an error.
func (e *Evaluator) Evaluate(ctx context.Context, job Job) (Result, error) {
	tokens, err := e.sched.Generate(job.ScriptPath)
	if err != nil {
		return Result{}, &SubmitError{Index: job.Index, Err: err}
	}

	stdout, err := os.Create(job.StdoutPath)
	if err != nil {
		return Result{}, &SubmitError{Index: job.Index, Err: err}
	}
	defer stdout.Close()

	stderr, err := os.Create(job.StderrPath)
	if err != nil {
		return Result{}, &SubmitError{Index: job.Index, Err: err}
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, tokens[0], tokens[1:]...)
	cmd.Dir = job.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), "ACCESS_RESULT="+job.ResultPath)

	if err := cmd.Start(); err != nil {
		return Result{}, &SubmitError{Index: job.Index, Err: err}
	}

	logger.Debug("candidate dispatched",
		"epoch", job.Epoch, "index", job.Index, "run_id", job.RunID)

	if err := cmd.Wait(); err != nil {
		return Result{Crashed: true, Cause: fmt.Errorf("candidate exited abnormally: %w", err)}, nil
	}

	components, err := e.collectResult(ctx, job.ResultPath)
	if err != nil {
		return Result{Crashed: true, Cause: err}, nil
	}
	return Result{Components: components}, nil
}

// collectResult waits for the result file and parses it
func (e *Evaluator) collectResult(ctx context.Context, path string) ([]float64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.resultWait)
	defer cancel()

	err := utils.PollUntil(waitCtx, e.backoff, func() (bool, error) {
		_, statErr := os.Stat(path)
		if statErr == nil {
			return true, nil
		}
		if os.IsNotExist(statErr) {
			return false, nil
		}
		return false, statErr
	})
	if err != nil {
		return nil, fmt.Errorf("candidate wrote no result to %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read result file %s: %w", path, err)
	}
	return ParseComponents(string(data), path)
}

// ParseComponents parses whitespace or newline separated floats from a
// result file's contents.
func ParseComponents(text, path string) ([]float64, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, fmt.Errorf("result file %s is empty", path)
	}
	components := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("result file %s field %d is not a number: %q", path, i, f)
		}
		components[i] = v
	}
	return components, nil
}
