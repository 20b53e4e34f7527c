package script

import (
	"errors"
	"strings"
	"testing"
)

const cleanScript = `
# ACCESS PARAMETERS START
import sys
import coexist

parameters = coexist.create_parameters(
    ["fp1", "fp2", "fp3"],
    [-5, -5, -5],
    [10, 10, 10],
)
# ACCESS PARAMETERS END

print("Example stdout message.")

values = parameters["value"]
error = values["fp1"]**2 + values["fp2"]**2
`

const noisyScript = "#####   ACCES \t PARAMETERS    START\tmama mia pizzeria\n" +
	"import sys\n" +
	"import coexist\n" +
	"\n" +
	"parameters = coexist.create_parameters(\n" +
	"    [\"fp1\", \"fp2\", \"fp3\"],\n" +
	"    [-5, -5, -5],\n" +
	"    [10, 10, 10],\n" +
	")\n" +
	"##   ACCESS   PARAMETERS   END\n" +
	"error = 1\n"

func TestExtractClean(t *testing.T) {
	region, err := Extract(cleanScript)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !strings.Contains(region.Body, "create_parameters") {
		t.Fatalf("body should contain the factory call, got:\n%s", region.Body)
	}
	if !strings.Contains(region.Suffix, "error = ") {
		t.Fatalf("suffix should contain the objective computation")
	}
	if strings.Contains(region.Body, "error = ") {
		t.Fatalf("objective computation leaked into the body")
	}
}

func TestExtractNoisyMarkersMatchClean(t *testing.T) {
	clean, err := Extract(cleanScript)
	if err != nil {
		t.Fatalf("Extract clean failed: %v", err)
	}
	noisy, err := Extract(noisyScript)
	if err != nil {
		t.Fatalf("Extract noisy failed: %v", err)
	}
	if strings.TrimSpace(clean.Body) != strings.TrimSpace(noisy.Body) {
		t.Fatalf("noisy markers should yield the same region body:\nclean:\n%s\nnoisy:\n%s",
			clean.Body, noisy.Body)
	}
}

func TestExtractIdempotent(t *testing.T) {
	region, err := Extract(cleanScript)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	again, err := Extract(region.Prefix + region.Body + "\n" + region.Suffix)
	if err != nil {
		t.Fatalf("re-Extract failed: %v", err)
	}
	if strings.TrimSpace(again.Body) != strings.TrimSpace(region.Body) {
		t.Fatalf("extraction is not idempotent")
	}
}

func TestExtractErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"no markers", "print('hello')\n"},
		{"missing end", "# ACCESS PARAMETERS START\nx = 1\n"},
		{"two regions", cleanScript + cleanScript},
		{"end before start", "# ACCESS PARAMETERS END\nx = 1\n# ACCESS PARAMETERS START\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Extract(tc.source)
			var ferr *FormatError
			if !errors.As(err, &ferr) {
				t.Fatalf("expected *FormatError, got %v", err)
			}
		})
	}
}

func TestParseSpacePositional(t *testing.T) {
	region, err := Extract(cleanScript)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	space, err := ParseSpace(region)
	if err != nil {
		t.Fatalf("ParseSpace failed: %v", err)
	}

	names := space.Names()
	want := []string{"fp1", "fp2", "fp3"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected names %v, got %v", want, names)
		}
	}
	sp := space.At(0)
	if sp.Min != -5 || sp.Max != 10 {
		t.Fatalf("expected bounds [-5, 10], got [%g, %g]", sp.Min, sp.Max)
	}
	if sp.Value != 2.5 {
		t.Fatalf("expected midpoint initial 2.5, got %g", sp.Value)
	}
	if sp.Sigma != 3 {
		t.Fatalf("expected default sigma 3, got %g", sp.Sigma)
	}
}

func TestParseSpaceKeywords(t *testing.T) {
	body := `
parameters = create_parameters(
    ['a', 'b'],
    [0, 0],  # lower bounds
    [1, 2],
    sigma = [0.1, 0.2],
    values = [0.5, 1.5],
)
`
	space, err := ParseSpace(&Region{Body: body})
	if err != nil {
		t.Fatalf("ParseSpace failed: %v", err)
	}
	if got := space.At(0).Sigma; got != 0.1 {
		t.Fatalf("expected sigma 0.1, got %g", got)
	}
	if got := space.At(1).Value; got != 1.5 {
		t.Fatalf("expected value 1.5, got %g", got)
	}
}

func TestParseSpaceMissingFactory(t *testing.T) {
	_, err := ParseSpace(&Region{Body: "x = 1\n"})
	var ferr *FormatError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *FormatError, got %v", err)
	}
}

func TestSplice(t *testing.T) {
	region, err := Extract(cleanScript)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	space, err := ParseSpace(region)
	if err != nil {
		t.Fatalf("ParseSpace failed: %v", err)
	}

	out := Splice(region, space, []float64{1.25, -3, 0.5}, Substitution{
		Epoch:      2,
		Index:      3,
		RunID:      19,
		ResultPath: "/tmp/run/result.txt",
	})

	for _, want := range []string{
		"fp1=1.25\n",
		"fp2=-3\n",
		"fp3=0.5\n",
		"access_id=19\n",
		"access_epoch=2\n",
		"access_result='/tmp/run/result.txt'\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("spliced script missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "create_parameters") {
		t.Fatalf("factory call should be replaced by literal assignments")
	}
	if !strings.HasSuffix(out, region.Suffix) {
		t.Fatalf("suffix must be appended unchanged")
	}

	// Scripts for two candidates differ only in the substituted values.
	other := Splice(region, space, []float64{1.25, -3, 0.5}, Substitution{
		Epoch: 2, Index: 3, RunID: 19, ResultPath: "/tmp/run/result.txt",
	})
	if out != other {
		t.Fatalf("splicing is not deterministic")
	}
}
