// Package access orchestrates the calibration loop: it asks the optimiser
// for a population, splices each candidate into an executable script,
// dispatches the population concurrently through a scheduler, scores the
// results and tells the optimiser, persisting every completed epoch so an
// interrupted run resumes exactly where it stopped.
package access

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/coexist-sim/calibration-core/internal/evaluate"
	"github.com/coexist-sim/calibration-core/internal/evolve"
	"github.com/coexist-sim/calibration-core/internal/params"
	"github.com/coexist-sim/calibration-core/internal/rundata"
	"github.com/coexist-sim/calibration-core/internal/script"
	"github.com/coexist-sim/calibration-core/pkg/logger"
	"github.com/coexist-sim/calibration-core/pkg/utils"
)

// State names the phase the driver is in. The loop advances strictly in
// this order within an epoch.
type State int

const (
	Initializing State = iota
	AskingPopulation
	DispatchingCandidates
	AwaitingEpochBarrier
	Scoring
	TellingOptimiser
	CheckingTermination
	Converged
	BudgetExhausted
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case AskingPopulation:
		return "asking_population"
	case DispatchingCandidates:
		return "dispatching_candidates"
	case AwaitingEpochBarrier:
		return "awaiting_epoch_barrier"
	case Scoring:
		return "scoring"
	case TellingOptimiser:
		return "telling_optimiser"
	case CheckingTermination:
		return "checking_termination"
	case Converged:
		return "converged"
	case BudgetExhausted:
		return "budget_exhausted"
	default:
		return "unknown"
	}
}

// Candidate is one evaluated member of an epoch's population
type Candidate struct {
	Epoch       int
	Index       int
	GlobalIndex int

	// Vector is the candidate in raw parameter space, clamped to bounds.
	Vector []float64
	// ScaledVector is the candidate in the optimiser's sigma-scaled space.
	ScaledVector []float64

	RawErrors   []float64
	ScalarError float64
	Crashed     bool

	StdoutPath string
	StderrPath string
}

// Options configures a calibration run
type Options struct {
	// ScriptPath is the user script containing the parameter region.
	ScriptPath string

	Evaluator *evaluate.Evaluator
	Combiner  evolve.Combiner

	// Strategy is the optimiser driving the search. Nil selects a CMA-ES
	// seeded from the run identity; a custom strategy must be
	// deterministic for the same seed or resumed runs will diverge.
	Strategy evolve.Strategy

	// OutputDir is the parent under which the run directory is created.
	OutputDir string

	NumSolutions int
	TargetSigma  float64
	MaxEpochs    int

	// Seed fixes the run identity and the optimiser's random stream.
	// Zero derives both from a signature of the run configuration.
	Seed int64
}

// Report summarises a finished run
type Report struct {
	Dir        string
	Epochs     int
	Converged  bool
	BestError  float64
	BestParams []float64
	Names      []string
}

// Driver owns the epoch loop and is the sole writer of the run directory
type Driver struct {
	space  *params.Space
	region *script.Region

	strategy  evolve.Strategy
	evaluator *evaluate.Evaluator
	combiner  evolve.Combiner

	paths rundata.Paths
	meta  *rundata.Metadata

	numSolutions int
	targetSigma  float64
	maxEpochs    int
	seed         int64
	scriptExt    string

	state       State
	epoch       int
	globalIndex int

	// numComponents is adopted from the first successful candidate (or
	// the resumed history) and shapes the history header. Zero means no
	// candidate has succeeded yet.
	numComponents int

	// pending buffers all-crash epochs that finished before any candidate
	// succeeded, so the history header is not locked to a guessed
	// component count.
	pending []pendingEpoch

	rawWriter    *rundata.HistoryWriter
	scaledWriter *rundata.HistoryWriter
	epochLog     *rundata.EpochLog
}

type pendingEpoch struct {
	raw    []rundata.Row
	scaled []rundata.Row
	record rundata.EpochRecord
}

// NewDriver parses the user script, resolves the run identity and prepares
// the run directory. An existing directory with matching metadata switches
// the driver into resume mode; a mismatched one is an error.
func NewDriver(opts Options) (*Driver, error) {
	if opts.NumSolutions < 2 {
		return nil, fmt.Errorf("population size must be at least 2, got %d", opts.NumSolutions)
	}
	if opts.TargetSigma <= 0 {
		return nil, fmt.Errorf("target sigma must be positive, got %g", opts.TargetSigma)
	}
	if opts.MaxEpochs <= 0 {
		return nil, fmt.Errorf("epoch budget must be positive, got %d", opts.MaxEpochs)
	}
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("an evaluator is required")
	}

	source, err := os.ReadFile(opts.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration script %s: %w", opts.ScriptPath, err)
	}
	region, err := script.Extract(string(source))
	if err != nil {
		return nil, err
	}
	space, err := script.ParseSpace(region)
	if err != nil {
		return nil, err
	}

	combiner := opts.Combiner
	if combiner == nil {
		combiner = evolve.NewWeightedSum(nil)
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = "."
	}

	meta := &rundata.Metadata{
		FormatVersion: rundata.FormatVersion,
		Names:         space.Names(),
		Commands:      commandsOf(space),
		InitialValues: space.InitialVector(),
		Minimums:      space.Minimums(),
		Maximums:      space.Maximums(),
		Sigmas:        space.Sigmas(),
		NumSolutions:  opts.NumSolutions,
		TargetSigma:   opts.TargetSigma,
		RandomSeed:    opts.Seed,
	}

	seed := opts.Seed
	var dirName string
	if seed != 0 {
		dirName = utils.SeedDirName(seed)
	} else {
		signature, err := yaml.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("failed to derive run identity: %w", err)
		}
		dirName = utils.SignatureDirName(signature)
		seed = seedFromSignature(signature)
		meta.RandomSeed = seed
	}

	d := &Driver{
		space:        space,
		region:       region,
		evaluator:    opts.Evaluator,
		combiner:     combiner,
		paths:        rundata.NewPaths(filepath.Join(outputDir, dirName)),
		meta:         meta,
		numSolutions: opts.NumSolutions,
		targetSigma:  opts.TargetSigma,
		maxEpochs:    opts.MaxEpochs,
		seed:         seed,
		scriptExt:    scriptExt(opts.ScriptPath),
		state:        Initializing,
	}

	if opts.Strategy != nil {
		d.strategy = opts.Strategy
	} else {
		d.strategy, err = evolve.NewCMAES(d.scaledInitial(), 1.0, opts.NumSolutions, seed)
		if err != nil {
			return nil, err
		}
	}

	if err := d.prepareRunDir(); err != nil {
		return nil, err
	}
	return d, nil
}

func commandsOf(space *params.Space) []string {
	specs := space.Specs()
	out := make([]string, len(specs))
	for i, sp := range specs {
		out[i] = sp.Command
	}
	return out
}

func scriptExt(path string) string {
	if ext := filepath.Ext(path); ext != "" {
		return ext
	}
	return ".sh"
}

// seedFromSignature folds a config signature into a positive int64 seed
func seedFromSignature(signature []byte) int64 {
	sum := sha256.Sum256(signature)
	v := int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63))
	if v == 0 {
		v = 1
	}
	return v
}

// scaledInitial maps the initial values into sigma-scaled space, where the
// optimiser starts with unit step size on every axis.
func (d *Driver) scaledInitial() []float64 {
	return d.space.ScaleBySigma(d.space.InitialVector())
}

// prepareRunDir creates or re-opens the run directory. Matching metadata
// means resume; the completed epochs are replayed through the seeded
// optimiser so the search continues exactly where it stopped.
func (d *Driver) prepareRunDir() error {
	if _, err := os.Stat(d.paths.Metadata()); err == nil {
		existing, err := rundata.LoadMetadata(d.paths)
		if err != nil {
			return err
		}
		if err := d.checkMetadata(existing); err != nil {
			return err
		}
		if err := d.paths.EnsureLayout(); err != nil {
			return err
		}
		logger.Info("resuming existing run", "dir", d.paths.Root)
		return d.replay()
	}

	if err := d.paths.EnsureLayout(); err != nil {
		return err
	}
	if err := d.meta.Save(d.paths); err != nil {
		return err
	}
	logger.Info("starting new run",
		"dir", d.paths.Root,
		"parameters", d.space.Len(),
		"population", d.numSolutions,
		"seed", d.seed)
	return nil
}

// checkMetadata verifies that a resumed run directory belongs to the same
// calibration problem.
func (d *Driver) checkMetadata(existing *rundata.Metadata) error {
	if existing.NumSolutions != d.numSolutions {
		return fmt.Errorf("run directory %s was created with population %d, not %d",
			d.paths.Root, existing.NumSolutions, d.numSolutions)
	}
	if len(existing.Names) != d.space.Len() {
		return fmt.Errorf("run directory %s was created with %d parameters, not %d",
			d.paths.Root, len(existing.Names), d.space.Len())
	}
	for i, name := range existing.Names {
		if d.space.At(i).Name != name {
			return fmt.Errorf("run directory %s parameter %d is %q, not %q",
				d.paths.Root, i, name, d.space.At(i).Name)
		}
	}
	if existing.RandomSeed != d.meta.RandomSeed {
		return fmt.Errorf("run directory %s was created with seed %d, not %d",
			d.paths.Root, existing.RandomSeed, d.meta.RandomSeed)
	}
	return nil
}

// replay feeds the persisted epochs back through a freshly seeded
// optimiser. Ask is deterministic, so re-asking each epoch reproduces the
// original candidates and only the stored scalar errors are needed. A
// trailing partial epoch is discarded.
func (d *Driver) replay() error {
	historyPath := d.paths.History(d.numSolutions)
	if _, err := os.Stat(historyPath); err != nil {
		return nil
	}

	table, err := rundata.ReadHistory(historyPath)
	if err != nil {
		return err
	}
	complete := table.Epochs(d.numSolutions)
	if complete == 0 {
		return nil
	}

	if len(table.Rows)%d.numSolutions != 0 {
		logger.Warn("discarding partial trailing epoch",
			"rows", len(table.Rows), "population", d.numSolutions)
		if err := d.rewriteHistories(table, complete); err != nil {
			return err
		}
	}

	d.numComponents = len(table.Rows[0].Components)

	for e := 0; e < complete; e++ {
		asked := d.strategy.Ask(d.numSolutions)
		scalars := make([]float64, d.numSolutions)
		for i := range scalars {
			scalars[i] = table.Rows[e*d.numSolutions+i].Error
		}
		if err := d.strategy.Tell(asked, scalars); err != nil {
			return fmt.Errorf("failed to replay epoch %d: %w", e, err)
		}
	}

	d.epoch = complete
	d.globalIndex = complete * d.numSolutions
	logger.Info("replayed persisted epochs",
		"epochs", complete, "sigma", d.strategy.Sigma())
	return nil
}

// rewriteHistories rewrites both history files keeping only the first
// `complete` epochs.
func (d *Driver) rewriteHistories(table *rundata.Table, complete int) error {
	keep := table.Rows[:complete*d.numSolutions]
	if err := rewriteHistory(d.paths.History(d.numSolutions), d.space.Names(),
		len(keep[0].Components), keep); err != nil {
		return err
	}

	scaledPath := d.paths.ScaledHistory(d.numSolutions)
	if _, err := os.Stat(scaledPath); err != nil {
		return nil
	}
	scaled, err := rundata.ReadHistory(scaledPath)
	if err != nil {
		return err
	}
	n := utils.Min(complete*d.numSolutions, len(scaled.Rows))
	return rewriteHistory(scaledPath, d.space.Names(), 1, scaled.Rows[:n])
}

func rewriteHistory(path string, names []string, numComponents int, rows []rundata.Row) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to rewrite history %s: %w", path, err)
	}
	w, err := rundata.NewHistoryWriter(path, names, numComponents)
	if err != nil {
		return err
	}
	defer w.Close()
	return w.AppendEpoch(rows)
}

// Dir returns the run directory path
func (d *Driver) Dir() string {
	return d.paths.Root
}

// Epoch returns the next epoch index to run
func (d *Driver) Epoch() int {
	return d.epoch
}

// State returns the current driver phase
func (d *Driver) State() State {
	return d.state
}

// Run executes epochs until convergence or the epoch budget. The returned
// report names the best candidate over the whole history, including
// resumed epochs.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	defer d.closeWriters()

	converged := d.strategy.Converged(d.targetSigma)
	for !converged && d.epoch < d.maxEpochs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.runEpoch(ctx); err != nil {
			return nil, err
		}

		d.state = CheckingTermination
		converged = d.strategy.Converged(d.targetSigma)
		d.epoch++
	}

	if converged {
		d.state = Converged
		logger.Info("run converged",
			"epochs", d.epoch, "sigma", d.strategy.Sigma(), "target", d.targetSigma)
	} else {
		d.state = BudgetExhausted
		logger.Info("epoch budget exhausted",
			"epochs", d.epoch, "sigma", d.strategy.Sigma())
	}

	// A run where no candidate ever succeeded still has its epochs
	// buffered; persist them before reporting.
	if err := d.flushPending(); err != nil {
		return nil, err
	}

	return d.report(converged)
}

// runEpoch performs one full ask/dispatch/score/tell/persist cycle
func (d *Driver) runEpoch(ctx context.Context) error {
	d.state = AskingPopulation
	asked := d.strategy.Ask(d.numSolutions)

	candidates := d.buildCandidates(asked)
	if err := d.writeScripts(candidates); err != nil {
		return err
	}

	d.state = DispatchingCandidates
	results := make([]evaluate.Result, d.numSolutions)
	submitErrs := make([]error, d.numSolutions)

	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], submitErrs[i] = d.evaluator.Evaluate(ctx, d.jobFor(&candidates[i]))
		}(i)
	}

	d.state = AwaitingEpochBarrier
	wg.Wait()

	// A cancelled context killed the in-flight candidates; their failures
	// are an interruption, not a measurement. Drop the epoch.
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := failedSubmissions(submitErrs); err != nil {
		return err
	}

	d.state = Scoring
	crashes := d.score(candidates, results)

	d.state = TellingOptimiser
	scalars := make([]float64, len(candidates))
	for i, c := range candidates {
		scalars[i] = c.ScalarError
	}
	if err := d.strategy.Tell(asked, scalars); err != nil {
		return err
	}

	if err := d.persistEpoch(candidates, crashes); err != nil {
		return err
	}

	best := candidates[0].ScalarError
	for _, c := range candidates[1:] {
		if c.ScalarError < best {
			best = c.ScalarError
		}
	}
	logger.Info("epoch complete",
		"epoch", d.epoch,
		"best_error", best,
		"crashes", crashes,
		"sigma", d.strategy.Sigma())
	return nil
}

// buildCandidates maps the asked scaled vectors into bounded raw space
func (d *Driver) buildCandidates(asked [][]float64) []Candidate {
	candidates := make([]Candidate, len(asked))
	sigmas := d.space.Sigmas()
	for i, scaled := range asked {
		raw := make([]float64, len(scaled))
		for j, v := range scaled {
			raw[j] = v * sigmas[j]
		}
		raw = d.space.Clamp(raw)

		global := d.globalIndex
		d.globalIndex++

		candidates[i] = Candidate{
			Epoch:        d.epoch,
			Index:        i,
			GlobalIndex:  global,
			Vector:       raw,
			ScaledVector: d.space.ScaleBySigma(raw),
			StdoutPath:   filepath.Join(d.paths.Outputs(), fmt.Sprintf("candidate_%d.stdout", global)),
			StderrPath:   filepath.Join(d.paths.Outputs(), fmt.Sprintf("candidate_%d.stderr", global)),
		}
	}
	return candidates
}

// writeScripts splices every candidate into an executable script and
// creates its scratch directory.
func (d *Driver) writeScripts(candidates []Candidate) error {
	for i := range candidates {
		c := &candidates[i]
		workDir := filepath.Join(d.paths.Simulations(), fmt.Sprintf("candidate_%d", c.GlobalIndex))
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return fmt.Errorf("failed to create scratch directory for candidate %d: %w", c.Index, err)
		}

		body := script.Splice(d.region, d.space, c.Vector, script.Substitution{
			Epoch:      c.Epoch,
			Index:      c.Index,
			RunID:      c.GlobalIndex,
			ResultPath: d.resultPath(c),
		})
		path := d.scriptPath(c)
		if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
			return fmt.Errorf("failed to write candidate script %s: %w", path, err)
		}
	}
	return nil
}

func (d *Driver) scriptPath(c *Candidate) string {
	return filepath.Join(d.paths.Scripts(), fmt.Sprintf("candidate_%d%s", c.GlobalIndex, d.scriptExt))
}

func (d *Driver) resultPath(c *Candidate) string {
	return filepath.Join(d.paths.Simulations(), fmt.Sprintf("candidate_%d", c.GlobalIndex), "result.txt")
}

func (d *Driver) jobFor(c *Candidate) evaluate.Job {
	return evaluate.Job{
		Epoch:      c.Epoch,
		Index:      c.Index,
		RunID:      c.GlobalIndex,
		ScriptPath: d.scriptPath(c),
		ResultPath: d.resultPath(c),
		StdoutPath: c.StdoutPath,
		StderrPath: c.StderrPath,
		WorkDir:    filepath.Join(d.paths.Simulations(), fmt.Sprintf("candidate_%d", c.GlobalIndex)),
	}
}

// failedSubmissions aggregates submit failures into one fatal error
// naming every candidate index that never ran.
func failedSubmissions(errs []error) error {
	var indices []int
	var first error
	for i, err := range errs {
		if err != nil {
			indices = append(indices, i)
			if first == nil {
				first = err
			}
		}
	}
	if first == nil {
		return nil
	}
	sort.Ints(indices)
	return fmt.Errorf("submission failed for candidates %v: %w", indices, first)
}

// score fills in errors and crash flags. The component count is adopted
// from the first successful candidate, whichever epoch it arrives in, so
// an all-crash opening epoch never locks later successes out. Crashed
// candidates get the penalty sentinel in every component so they rank
// behind any real result.
func (d *Driver) score(candidates []Candidate, results []evaluate.Result) int {
	if d.numComponents == 0 {
		for _, r := range results {
			if !r.Crashed {
				d.numComponents = len(r.Components)
				break
			}
		}
	}

	crashes := 0
	for i := range candidates {
		c := &candidates[i]
		r := results[i]

		if !r.Crashed && len(r.Components) != d.numComponents {
			r.Crashed = true
			r.Cause = fmt.Errorf("candidate returned %d error components, expected %d",
				len(r.Components), d.numComponents)
		}

		if r.Crashed {
			crashes++
			c.Crashed = true
			c.RawErrors = penaltyComponents(utils.Max(d.numComponents, 1))
			c.ScalarError = evaluate.Penalty
			logger.Warn("candidate crashed",
				"epoch", c.Epoch, "index", c.Index, "cause", fmt.Sprint(r.Cause))
			continue
		}

		c.RawErrors = r.Components
		c.ScalarError = d.combiner.Combine(r.Components)
	}
	return crashes
}

func penaltyComponents(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = evaluate.Penalty
	}
	return v
}

// persistEpoch appends the finished epoch to both history tables and the
// epoch summary. Only whole epochs ever reach disk. While no candidate
// has succeeded the component count is still unknown, so all-crash
// epochs are buffered instead of written.
func (d *Driver) persistEpoch(candidates []Candidate, crashes int) error {
	devs := d.strategy.AxisDeviations()
	sigmas := d.space.Sigmas()
	rawStds := make([]float64, len(devs))
	for i, dev := range devs {
		rawStds[i] = dev * sigmas[i]
	}
	overall := d.strategy.Sigma()

	rawRows := make([]rundata.Row, len(candidates))
	scaledRows := make([]rundata.Row, len(candidates))
	scalars := make([]float64, len(candidates))
	for i, c := range candidates {
		rawRows[i] = rundata.Row{
			Params:     c.Vector,
			Stds:       rawStds,
			OverallStd: overall,
			Components: c.RawErrors,
			Error:      c.ScalarError,
		}
		scaledRows[i] = rundata.Row{
			Params:     c.ScaledVector,
			Stds:       devs,
			OverallStd: overall,
			Components: []float64{c.ScalarError},
			Error:      c.ScalarError,
		}
		scalars[i] = c.ScalarError
	}

	best := scalars[0]
	for _, v := range scalars {
		if v < best {
			best = v
		}
	}
	record := rundata.EpochRecord{
		Epoch:     d.epoch,
		Sigma:     overall,
		BestError: best,
		MeanError: utils.Mean(scalars),
		Crashes:   crashes,
	}

	if d.numComponents == 0 {
		d.pending = append(d.pending, pendingEpoch{raw: rawRows, scaled: scaledRows, record: record})
		return nil
	}

	if err := d.flushPending(); err != nil {
		return err
	}
	if err := d.openWriters(); err != nil {
		return err
	}

	if err := d.rawWriter.AppendEpoch(rawRows); err != nil {
		return err
	}
	if err := d.scaledWriter.AppendEpoch(scaledRows); err != nil {
		return err
	}
	return d.epochLog.Append(record)
}

// flushPending writes buffered all-crash epochs once the component count
// is known, padding their penalty components to the adopted width. A run
// that ends without a single success defaults to one component.
func (d *Driver) flushPending() error {
	if len(d.pending) == 0 {
		return nil
	}
	if d.numComponents == 0 {
		d.numComponents = 1
	}
	if err := d.openWriters(); err != nil {
		return err
	}

	for _, p := range d.pending {
		for i := range p.raw {
			p.raw[i].Components = penaltyComponents(d.numComponents)
		}
		if err := d.rawWriter.AppendEpoch(p.raw); err != nil {
			return err
		}
		if err := d.scaledWriter.AppendEpoch(p.scaled); err != nil {
			return err
		}
		if err := d.epochLog.Append(p.record); err != nil {
			return err
		}
	}
	d.pending = nil
	return nil
}

// openWriters lazily opens the history writers once the component count
// is known.
func (d *Driver) openWriters() error {
	if d.rawWriter != nil {
		return nil
	}
	var err error
	d.rawWriter, err = rundata.NewHistoryWriter(
		d.paths.History(d.numSolutions), d.space.Names(), d.numComponents)
	if err != nil {
		return err
	}
	d.scaledWriter, err = rundata.NewHistoryWriter(
		d.paths.ScaledHistory(d.numSolutions), d.space.Names(), 1)
	if err != nil {
		return err
	}
	d.epochLog, err = rundata.NewEpochLog(d.paths)
	return err
}

func (d *Driver) closeWriters() {
	if d.rawWriter != nil {
		d.rawWriter.Close()
	}
	if d.scaledWriter != nil {
		d.scaledWriter.Close()
	}
	if d.epochLog != nil {
		d.epochLog.Close()
	}
}

// report reads the whole persisted history back so the best candidate
// accounts for epochs that ran before a resume.
func (d *Driver) report(converged bool) (*Report, error) {
	rep := &Report{
		Dir:       d.paths.Root,
		Epochs:    d.epoch,
		Converged: converged,
		Names:     d.space.Names(),
		BestError: evaluate.Penalty,
	}

	historyPath := d.paths.History(d.numSolutions)
	if _, err := os.Stat(historyPath); err != nil {
		return rep, nil
	}
	table, err := rundata.ReadHistory(historyPath)
	if err != nil {
		return nil, err
	}
	if best, ok := table.Best(); ok {
		rep.BestError = best.Error
		rep.BestParams = best.Params
	}
	return rep, nil
}
