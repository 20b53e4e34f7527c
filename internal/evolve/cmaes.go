package evolve

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/coexist-sim/calibration-core/pkg/utils"
)

// CMAES implements covariance matrix adaptation evolution strategy in
// ask/tell form. It searches the sigma-scaled space where every parameter
// starts with unit step size, which keeps the adaptation well conditioned
// regardless of the raw parameter magnitudes.
type CMAES struct {
	dim int

	// Selection constants, fixed at construction.
	lambda  int
	mu      int
	weights []float64
	mueff   float64

	// Adaptation constants.
	cc    float64
	cs    float64
	c1    float64
	cmu   float64
	damps float64
	chiN  float64

	// Mutable distribution state.
	mean  []float64
	sigma float64
	ps    []float64
	pc    []float64
	cov   *mat.SymDense

	// Eigendecomposition of cov, refreshed on every Tell.
	eigVals []float64
	eigVecs *mat.Dense

	rng        *utils.RandSource
	generation int
}

// NewCMAES creates a strategy centred on mean with the given initial step
// size and population size. lambda must be at least 2.
func NewCMAES(mean []float64, sigma float64, lambda int, seed int64) (*CMAES, error) {
	dim := len(mean)
	if dim == 0 {
		return nil, fmt.Errorf("mean vector cannot be empty")
	}
	if lambda < 2 {
		return nil, fmt.Errorf("population size must be at least 2, got %d", lambda)
	}
	if sigma <= 0 {
		return nil, fmt.Errorf("initial step size must be positive, got %f", sigma)
	}

	mu := lambda / 2
	weights := make([]float64, mu)
	wSum := 0.0
	for i := range weights {
		weights[i] = math.Log(float64(lambda+1)/2.0) - math.Log(float64(i+1))
		wSum += weights[i]
	}
	wSqSum := 0.0
	for i := range weights {
		weights[i] /= wSum
		wSqSum += weights[i] * weights[i]
	}
	mueff := 1.0 / wSqSum

	n := float64(dim)
	cc := (4 + mueff/n) / (n + 4 + 2*mueff/n)
	cs := (mueff + 2) / (n + mueff + 5)
	c1 := 2 / ((n+1.3)*(n+1.3) + mueff)
	cmu := math.Min(1-c1, 2*(mueff-2+1/mueff)/((n+2)*(n+2)+mueff))
	damps := 1 + 2*math.Max(0, math.Sqrt((mueff-1)/(n+1))-1) + cs
	chiN := math.Sqrt(n) * (1 - 1/(4*n) + 1/(21*n*n))

	c := &CMAES{
		dim:     dim,
		lambda:  lambda,
		mu:      mu,
		weights: weights,
		mueff:   mueff,
		cc:      cc,
		cs:      cs,
		c1:      c1,
		cmu:     cmu,
		damps:   damps,
		chiN:    chiN,
		mean:    append([]float64(nil), mean...),
		sigma:   sigma,
		ps:      make([]float64, dim),
		pc:      make([]float64, dim),
		cov:     identitySym(dim),
		rng:     utils.NewRandSource(seed),
	}
	c.decompose()
	return c, nil
}

func identitySym(n int) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, 1)
	}
	return s
}

// decompose refreshes the eigendecomposition used for sampling
func (c *CMAES) decompose() {
	var eig mat.EigenSym
	if ok := eig.Factorize(c.cov, true); !ok {
		// A failed factorization means the covariance degenerated; reset
		// it to the identity and keep going rather than abort the run.
		c.cov = identitySym(c.dim)
		eig.Factorize(c.cov, true)
	}

	c.eigVals = eig.Values(nil)
	for i, v := range c.eigVals {
		if v < 1e-20 {
			c.eigVals[i] = 1e-20
		}
	}
	c.eigVecs = mat.NewDense(c.dim, c.dim, nil)
	eig.VectorsTo(c.eigVecs)
}

// PopulationSize returns the number of candidates per Ask
func (c *CMAES) PopulationSize() int {
	return c.lambda
}

// Generation returns the number of completed Tell calls
func (c *CMAES) Generation() int {
	return c.generation
}

// Mean returns a copy of the current distribution mean
func (c *CMAES) Mean() []float64 {
	return append([]float64(nil), c.mean...)
}

// Ask samples n candidate vectors from the current search distribution.
// Sampling consumes the seeded random stream, so resumed runs replay the
// exact candidates of the original run.
func (c *CMAES) Ask(n int) [][]float64 {
	out := make([][]float64, n)
	for k := 0; k < n; k++ {
		z := c.rng.NormVector(c.dim)

		// x = mean + sigma * B * diag(sqrt(eigVals)) * z
		y := make([]float64, c.dim)
		for i := 0; i < c.dim; i++ {
			sum := 0.0
			for j := 0; j < c.dim; j++ {
				sum += c.eigVecs.At(i, j) * math.Sqrt(c.eigVals[j]) * z[j]
			}
			y[i] = sum
		}

		x := make([]float64, c.dim)
		for i := range x {
			x[i] = c.mean[i] + c.sigma*y[i]
		}
		out[k] = x
	}
	return out
}

// Tell updates the mean, evolution paths, covariance and step size from
// the evaluated population.
func (c *CMAES) Tell(vectors [][]float64, errs []float64) error {
	if len(vectors) != len(errs) {
		return fmt.Errorf("got %d vectors but %d errors", len(vectors), len(errs))
	}
	if len(vectors) < c.mu {
		return fmt.Errorf("need at least %d candidates, got %d", c.mu, len(vectors))
	}
	for i, v := range vectors {
		if len(v) != c.dim {
			return fmt.Errorf("candidate %d has dimension %d, want %d", i, len(v), c.dim)
		}
	}

	// Rank candidates by error, best first.
	order := make([]int, len(errs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return errs[order[a]] < errs[order[b]]
	})

	oldMean := append([]float64(nil), c.mean...)

	// Weighted recombination of the mu best candidates.
	for i := range c.mean {
		c.mean[i] = 0
	}
	for r := 0; r < c.mu; r++ {
		v := vectors[order[r]]
		for i := range c.mean {
			c.mean[i] += c.weights[r] * v[i]
		}
	}

	// Mean shift in the whitened coordinate system.
	delta := make([]float64, c.dim)
	for i := range delta {
		delta[i] = (c.mean[i] - oldMean[i]) / c.sigma
	}
	invSqrtDelta := c.applyInvSqrtCov(delta)

	// Step size path and update.
	psNorm := 0.0
	for i := range c.ps {
		c.ps[i] = (1-c.cs)*c.ps[i] + math.Sqrt(c.cs*(2-c.cs)*c.mueff)*invSqrtDelta[i]
		psNorm += c.ps[i] * c.ps[i]
	}
	psNorm = math.Sqrt(psNorm)

	c.generation++
	expected := math.Sqrt(1 - math.Pow(1-c.cs, 2*float64(c.generation)))
	hsig := 0.0
	if psNorm/expected/c.chiN < 1.4+2/(float64(c.dim)+1) {
		hsig = 1
	}

	// Rank-one path.
	for i := range c.pc {
		c.pc[i] = (1-c.cc)*c.pc[i] + hsig*math.Sqrt(c.cc*(2-c.cc)*c.mueff)*delta[i]
	}

	// Covariance update: rank-one plus rank-mu.
	oldWeight := 1 - c.c1 - c.cmu
	correction := (1 - hsig) * c.cc * (2 - c.cc)
	for i := 0; i < c.dim; i++ {
		for j := i; j < c.dim; j++ {
			v := oldWeight*c.cov.At(i, j) +
				c.c1*(c.pc[i]*c.pc[j]+correction*c.cov.At(i, j))
			for r := 0; r < c.mu; r++ {
				cand := vectors[order[r]]
				yi := (cand[i] - oldMean[i]) / c.sigma
				yj := (cand[j] - oldMean[j]) / c.sigma
				v += c.cmu * c.weights[r] * yi * yj
			}
			c.cov.SetSym(i, j, v)
		}
	}

	c.sigma *= math.Exp((c.cs / c.damps) * (psNorm/c.chiN - 1))

	c.decompose()
	return nil
}

// applyInvSqrtCov computes C^(-1/2) * v via the eigendecomposition
func (c *CMAES) applyInvSqrtCov(v []float64) []float64 {
	// Project onto the eigenbasis, scale by 1/sqrt(eigenvalue), project
	// back.
	proj := make([]float64, c.dim)
	for j := 0; j < c.dim; j++ {
		sum := 0.0
		for i := 0; i < c.dim; i++ {
			sum += c.eigVecs.At(i, j) * v[i]
		}
		proj[j] = sum / math.Sqrt(c.eigVals[j])
	}
	out := make([]float64, c.dim)
	for i := 0; i < c.dim; i++ {
		sum := 0.0
		for j := 0; j < c.dim; j++ {
			sum += c.eigVecs.At(i, j) * proj[j]
		}
		out[i] = sum
	}
	return out
}

// Sigma returns the current overall step size
func (c *CMAES) Sigma() float64 {
	return c.sigma
}

// AxisDeviations returns sigma-scaled per-axis standard deviations, the
// square roots of the covariance diagonal times the step size.
func (c *CMAES) AxisDeviations() []float64 {
	out := make([]float64, c.dim)
	for i := range out {
		out[i] = c.sigma * math.Sqrt(c.cov.At(i, i))
	}
	return out
}

// Converged reports whether the step size fell to or below target
func (c *CMAES) Converged(target float64) bool {
	return c.sigma <= target
}
