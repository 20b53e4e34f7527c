package config

// Config represents the main calibration configuration
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Script is the path to the user simulation script containing the
	// parameter definition region.
	Script string `yaml:"script"`

	// OutputDir is where the run directory is created. Defaults to the
	// current working directory.
	OutputDir string `yaml:"output_dir,omitempty"`

	// NumSolutions is the population size evaluated per epoch.
	NumSolutions int `yaml:"num_solutions"`

	// TargetSigma is the optimiser step size below which the run is
	// considered converged.
	TargetSigma float64 `yaml:"target_sigma"`

	// RandomSeed makes the whole run reproducible. Zero means derive the
	// run identity from a signature of this configuration instead.
	RandomSeed int64 `yaml:"random_seed"`

	// MaxEpochs bounds the number of ask/tell cycles.
	MaxEpochs int `yaml:"max_epochs"`

	Combiner  *Combiner `yaml:"combiner,omitempty"`
	Scheduler Scheduler `yaml:"scheduler"`
}

// Combiner controls how multi-component errors reduce to one scalar
type Combiner struct {
	// Weights are applied per error component. Missing weights default
	// to 1, so plain sums need no configuration.
	Weights []float64 `yaml:"weights,omitempty"`
}

// Scheduler selects how candidate evaluations are dispatched
type Scheduler struct {
	Type        string `yaml:"type"` // local or slurm
	Interpreter string `yaml:"interpreter,omitempty"`
	Slurm       *Slurm `yaml:"slurm,omitempty"`
}

// Slurm holds batch submission options forwarded as #SBATCH directives
type Slurm struct {
	Time       string `yaml:"time"`
	Commands   string `yaml:"commands,omitempty"`
	QOS        string `yaml:"qos,omitempty"`
	Account    string `yaml:"account,omitempty"`
	Partition  string `yaml:"partition,omitempty"`
	Constraint string `yaml:"constraint,omitempty"`
	MemPerCPU  string `yaml:"mem_per_cpu,omitempty"`
	NTasks     int    `yaml:"ntasks,omitempty"`
}

const (
	// DefaultNumSolutions is the population size when the config does not
	// set one.
	DefaultNumSolutions = 8

	// DefaultTargetSigma is the convergence threshold on the optimiser
	// step size.
	DefaultTargetSigma = 0.1

	// DefaultMaxEpochs bounds runs that never converge.
	DefaultMaxEpochs = 100
)

// SchedulerTypeLocal and SchedulerTypeSlurm are the accepted values of
// Scheduler.Type.
const (
	SchedulerTypeLocal = "local"
	SchedulerTypeSlurm = "slurm"
)

// ApplyDefaults fills unset fields with their documented defaults
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.NumSolutions == 0 {
		c.NumSolutions = DefaultNumSolutions
	}
	if c.TargetSigma == 0 {
		c.TargetSigma = DefaultTargetSigma
	}
	if c.MaxEpochs == 0 {
		c.MaxEpochs = DefaultMaxEpochs
	}
	if c.Scheduler.Type == "" {
		c.Scheduler.Type = SchedulerTypeLocal
	}
}
