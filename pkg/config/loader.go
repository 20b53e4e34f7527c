package config

import (
	"fmt"
	"os"
)

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// validateConfig performs validation on the configuration
func validateConfig(cfg *Config) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}

	if cfg.Script == "" {
		return fmt.Errorf("script path cannot be empty")
	}

	if cfg.NumSolutions < 2 {
		return fmt.Errorf("num_solutions must be at least 2, got %d", cfg.NumSolutions)
	}

	if cfg.TargetSigma <= 0 {
		return fmt.Errorf("target_sigma must be positive, got %f", cfg.TargetSigma)
	}

	if cfg.MaxEpochs <= 0 {
		return fmt.Errorf("max_epochs must be positive, got %d", cfg.MaxEpochs)
	}

	if cfg.Combiner != nil {
		if err := validateCombiner(cfg.Combiner); err != nil {
			return fmt.Errorf("combiner validation failed: %w", err)
		}
	}

	if err := validateScheduler(&cfg.Scheduler); err != nil {
		return fmt.Errorf("scheduler validation failed: %w", err)
	}

	return nil
}

// validateCombiner validates the error combiner configuration
func validateCombiner(c *Combiner) error {
	for i, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("weight %d cannot be negative, got %f", i, w)
		}
	}
	return nil
}

// validateScheduler validates the scheduler configuration
func validateScheduler(s *Scheduler) error {
	switch s.Type {
	case SchedulerTypeLocal:
		// Interpreter is optional; the evaluator falls back to /bin/sh.
	case SchedulerTypeSlurm:
		if s.Slurm == nil {
			return fmt.Errorf("slurm scheduler requires a slurm section")
		}
		if s.Slurm.Time == "" {
			return fmt.Errorf("slurm scheduler requires a walltime (slurm.time)")
		}
		if s.Slurm.NTasks < 0 {
			return fmt.Errorf("slurm ntasks cannot be negative, got %d", s.Slurm.NTasks)
		}
	default:
		return fmt.Errorf("invalid scheduler type: %s (must be local or slurm)", s.Type)
	}
	return nil
}
