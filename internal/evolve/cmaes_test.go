package evolve

import (
	"math"
	"testing"
)

func sphere(x []float64) float64 {
	sum := 0.0
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func TestNewCMAESValidation(t *testing.T) {
	if _, err := NewCMAES(nil, 1, 8, 1); err == nil {
		t.Error("expected error for empty mean")
	}
	if _, err := NewCMAES([]float64{1, 2}, 1, 1, 1); err == nil {
		t.Error("expected error for population below 2")
	}
	if _, err := NewCMAES([]float64{1, 2}, -1, 8, 1); err == nil {
		t.Error("expected error for non-positive step size")
	}
}

func TestAskDeterminism(t *testing.T) {
	a, err := NewCMAES([]float64{1, 2, 3}, 1.0, 8, 123)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewCMAES([]float64{1, 2, 3}, 1.0, 8, 123)
	if err != nil {
		t.Fatal(err)
	}

	va := a.Ask(8)
	vb := b.Ask(8)
	for i := range va {
		for j := range va[i] {
			if va[i][j] != vb[i][j] {
				t.Fatalf("equal seeds must yield equal candidates (candidate %d axis %d)", i, j)
			}
		}
	}
}

func TestAskPopulationShape(t *testing.T) {
	c, err := NewCMAES([]float64{0, 0}, 1.0, 6, 7)
	if err != nil {
		t.Fatal(err)
	}
	vs := c.Ask(6)
	if len(vs) != 6 {
		t.Fatalf("expected 6 candidates, got %d", len(vs))
	}
	for i, v := range vs {
		if len(v) != 2 {
			t.Fatalf("candidate %d has dimension %d, want 2", i, len(v))
		}
	}
}

func TestTellValidation(t *testing.T) {
	c, err := NewCMAES([]float64{0, 0}, 1.0, 8, 7)
	if err != nil {
		t.Fatal(err)
	}

	vs := c.Ask(8)
	if err := c.Tell(vs, []float64{1, 2}); err == nil {
		t.Error("expected error for mismatched errors length")
	}
	if err := c.Tell([][]float64{{1}}, []float64{1}); err == nil {
		t.Error("expected error for too few candidates")
	}
}

func TestSphereMinimization(t *testing.T) {
	start := []float64{3, -2, 4}
	c, err := NewCMAES(start, 1.0, 12, 42)
	if err != nil {
		t.Fatal(err)
	}

	best := math.Inf(1)
	for epoch := 0; epoch < 120; epoch++ {
		vs := c.Ask(12)
		errs := make([]float64, len(vs))
		for i, v := range vs {
			errs[i] = sphere(v)
			if errs[i] < best {
				best = errs[i]
			}
		}
		if err := c.Tell(vs, errs); err != nil {
			t.Fatal(err)
		}
		if c.Converged(0.01) {
			break
		}
	}

	if best > 0.5 {
		t.Errorf("best sphere value %v did not approach the optimum", best)
	}
	if c.Sigma() >= 1.0 {
		t.Errorf("step size should shrink near the optimum, got %v", c.Sigma())
	}
}

func TestSigmaGrowsOnRandomLandscape(t *testing.T) {
	// With errors unrelated to position the selection gradient is noise
	// and sigma must not collapse immediately.
	c, err := NewCMAES([]float64{0, 0}, 1.0, 8, 5)
	if err != nil {
		t.Fatal(err)
	}
	vs := c.Ask(8)
	errs := make([]float64, 8)
	for i := range errs {
		errs[i] = float64(i)
	}
	if err := c.Tell(vs, errs); err != nil {
		t.Fatal(err)
	}
	if c.Sigma() <= 0 || math.IsNaN(c.Sigma()) {
		t.Fatalf("step size must stay positive and finite, got %v", c.Sigma())
	}
}

func TestAxisDeviations(t *testing.T) {
	c, err := NewCMAES([]float64{0, 0, 0}, 2.0, 8, 1)
	if err != nil {
		t.Fatal(err)
	}
	devs := c.AxisDeviations()
	if len(devs) != 3 {
		t.Fatalf("expected 3 deviations, got %d", len(devs))
	}
	for i, d := range devs {
		// Identity covariance at construction, so each axis deviation
		// equals the initial step size.
		if math.Abs(d-2.0) > 1e-12 {
			t.Errorf("axis %d deviation = %v, want 2.0", i, d)
		}
	}
}

func TestConverged(t *testing.T) {
	c, err := NewCMAES([]float64{0}, 0.05, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Converged(0.1) {
		t.Error("step size below target must report converged")
	}
	if c.Converged(0.01) {
		t.Error("step size above target must not report converged")
	}
}

func TestWeightedSumDefaults(t *testing.T) {
	ws := NewWeightedSum(nil)
	if got := ws.Combine([]float64{1, 2, 3}); got != 6 {
		t.Errorf("unweighted combine = %v, want 6", got)
	}
}

func TestWeightedSumPartialWeights(t *testing.T) {
	ws := NewWeightedSum([]float64{2})
	// Second component falls back to weight 1.
	if got := ws.Combine([]float64{3, 5}); got != 11 {
		t.Errorf("combine = %v, want 11", got)
	}
}
