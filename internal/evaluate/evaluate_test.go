package evaluate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coexist-sim/calibration-core/internal/scheduler"
)

// writeScript drops an executable sh script into dir and returns its path
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func jobFor(t *testing.T, dir, script string) Job {
	t.Helper()
	return Job{
		Epoch:      0,
		Index:      0,
		RunID:      0,
		ScriptPath: script,
		ResultPath: filepath.Join(dir, "result.txt"),
		StdoutPath: filepath.Join(dir, "stdout.log"),
		StderrPath: filepath.Join(dir, "stderr.log"),
		WorkDir:    dir,
	}
}

func TestEvaluateSuccess(t *testing.T) {
	dir := t.TempDir()
	result := filepath.Join(dir, "result.txt")
	script := writeScript(t, dir, "candidate.sh",
		"#!/bin/sh\necho '3.5 1.25' > "+result+"\n")

	ev := NewEvaluator(scheduler.NewLocal("/bin/sh"))
	res, err := ev.Evaluate(context.Background(), jobFor(t, dir, script))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Crashed {
		t.Fatalf("unexpected crash: %v", res.Cause)
	}
	if len(res.Components) != 2 || res.Components[0] != 3.5 || res.Components[1] != 1.25 {
		t.Errorf("Components = %v", res.Components)
	}
}

func TestEvaluateCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	result := filepath.Join(dir, "result.txt")
	script := writeScript(t, dir, "candidate.sh",
		"#!/bin/sh\necho progress line\necho warning line >&2\necho 1.0 > "+result+"\n")

	ev := NewEvaluator(scheduler.NewLocal("/bin/sh"))
	job := jobFor(t, dir, script)
	if _, err := ev.Evaluate(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	stdout, err := os.ReadFile(job.StdoutPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(stdout) != "progress line\n" {
		t.Errorf("stdout = %q", stdout)
	}
	stderr, err := os.ReadFile(job.StderrPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(stderr) != "warning line\n" {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestEvaluateNonZeroExitIsCrash(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "candidate.sh", "#!/bin/sh\nexit 3\n")

	ev := NewEvaluator(scheduler.NewLocal("/bin/sh"))
	res, err := ev.Evaluate(context.Background(), jobFor(t, dir, script))
	if err != nil {
		t.Fatalf("crash must not be an error: %v", err)
	}
	if !res.Crashed {
		t.Fatal("expected crash for non-zero exit")
	}
	if res.Cause == nil {
		t.Error("crash must carry a cause")
	}
}

func TestEvaluateMissingResultIsCrash(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "candidate.sh", "#!/bin/sh\nexit 0\n")

	ev := NewEvaluator(scheduler.NewLocal("/bin/sh"))
	ev.resultWait = 200 * time.Millisecond // keep the test quick

	res, err := ev.Evaluate(context.Background(), jobFor(t, dir, script))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Crashed {
		t.Fatal("expected crash when no result file appears")
	}
}

func TestEvaluateGarbageResultIsCrash(t *testing.T) {
	dir := t.TempDir()
	result := filepath.Join(dir, "result.txt")
	script := writeScript(t, dir, "candidate.sh",
		"#!/bin/sh\necho 'not a number' > "+result+"\n")

	ev := NewEvaluator(scheduler.NewLocal("/bin/sh"))
	res, err := ev.Evaluate(context.Background(), jobFor(t, dir, script))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Crashed {
		t.Fatal("expected crash for unparsable result")
	}
}

func TestEvaluateSubmitFailure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "candidate.sh", "#!/bin/sh\n")

	// A Slurm scheduler without a walltime cannot generate a command.
	ev := NewEvaluator(&scheduler.Slurm{})
	_, err := ev.Evaluate(context.Background(), jobFor(t, dir, script))
	var submitErr *SubmitError
	if !errors.As(err, &submitErr) {
		t.Fatalf("expected SubmitError, got %v", err)
	}
}

func TestParseComponents(t *testing.T) {
	got, err := ParseComponents("1.5\n2.5 3\n", "r")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[2] != 3 {
		t.Errorf("ParseComponents = %v", got)
	}

	if _, err := ParseComponents("", "r"); err == nil {
		t.Error("expected error for empty result")
	}
	if _, err := ParseComponents("1.0 oops", "r"); err == nil {
		t.Error("expected error for non-numeric field")
	}
}
