package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coexist-sim/calibration-core/internal/access"
	"github.com/coexist-sim/calibration-core/internal/evaluate"
	"github.com/coexist-sim/calibration-core/internal/evolve"
	"github.com/coexist-sim/calibration-core/internal/scheduler"
	"github.com/coexist-sim/calibration-core/pkg/config"
	"github.com/coexist-sim/calibration-core/pkg/logger"
)

// buildScheduler maps the configuration onto a scheduler collaborator
func buildScheduler(cfg *config.Config) scheduler.Scheduler {
	switch cfg.Scheduler.Type {
	case config.SchedulerTypeSlurm:
		s := cfg.Scheduler.Slurm
		return &scheduler.Slurm{
			Time:        s.Time,
			Commands:    s.Commands,
			Interpreter: cfg.Scheduler.Interpreter,
			QOS:         s.QOS,
			Account:     s.Account,
			Partition:   s.Partition,
			Constraint:  s.Constraint,
			MemPerCPU:   s.MemPerCPU,
			NTasks:      s.NTasks,
		}
	default:
		return scheduler.NewLocal(cfg.Scheduler.Interpreter)
	}
}

func run() error {
	var configPath string
	var scriptPath string
	var logLevel string

	flag.StringVar(&configPath, "config", "", "calibration config YAML (optional when -script is given)")
	flag.StringVar(&scriptPath, "script", "", "calibration script (overrides the config's script path)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	var cfg *config.Config
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		if scriptPath == "" {
			return fmt.Errorf("either -config or -script is required")
		}
		cfg = &config.Config{Script: scriptPath}
		cfg.ApplyDefaults()
	}
	if scriptPath != "" {
		cfg.Script = scriptPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger.SetDefault(logger.NewText(cfg.LogLevel, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var weights []float64
	if cfg.Combiner != nil {
		weights = cfg.Combiner.Weights
	}

	driver, err := access.NewDriver(access.Options{
		ScriptPath:   cfg.Script,
		Evaluator:    evaluate.NewEvaluator(buildScheduler(cfg)),
		Combiner:     evolve.NewWeightedSum(weights),
		OutputDir:    cfg.OutputDir,
		NumSolutions: cfg.NumSolutions,
		TargetSigma:  cfg.TargetSigma,
		MaxEpochs:    cfg.MaxEpochs,
		Seed:         cfg.RandomSeed,
	})
	if err != nil {
		return err
	}

	report, err := driver.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("run directory: %s\n", report.Dir)
	fmt.Printf("epochs: %d (converged: %v)\n", report.Epochs, report.Converged)
	fmt.Printf("best error: %g\n", report.BestError)
	for i, name := range report.Names {
		if i < len(report.BestParams) {
			fmt.Printf("  %s = %g\n", name, report.BestParams[i])
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		logger.Error("calibration failed", "error", err)
		os.Exit(1)
	}
}
