package evolve

// Strategy is the ask/tell contract between the epoch driver and the
// optimiser. Ask proposes candidate vectors in scaled space; Tell feeds the
// scalar error of every candidate back, in the same order.
type Strategy interface {
	// Ask returns n candidate parameter vectors.
	Ask(n int) [][]float64

	// Tell updates the internal state from the evaluated candidates.
	// vectors must be exactly the slice returned by the matching Ask call
	// and errors must be index-aligned with it.
	Tell(vectors [][]float64, errors []float64) error

	// Sigma reports the current overall step size.
	Sigma() float64

	// AxisDeviations reports the per-parameter standard deviation of the
	// search distribution.
	AxisDeviations() []float64

	// Converged reports whether the step size has shrunk below target.
	Converged(target float64) bool
}

// Combiner reduces a multi-component error vector to a single scalar for
// the optimiser.
type Combiner interface {
	Combine(components []float64) float64
}

// WeightedSum combines error components as a weighted sum. Components
// beyond the configured weights get weight 1, so the zero value is a plain
// sum.
type WeightedSum struct {
	Weights []float64
}

// NewWeightedSum creates a combiner with the given per-component weights
func NewWeightedSum(weights []float64) *WeightedSum {
	return &WeightedSum{Weights: weights}
}

// Combine returns the weighted sum of the components
func (w *WeightedSum) Combine(components []float64) float64 {
	total := 0.0
	for i, c := range components {
		weight := 1.0
		if i < len(w.Weights) {
			weight = w.Weights[i]
		}
		total += weight * c
	}
	return total
}
