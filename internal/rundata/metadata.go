package rundata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FormatVersion identifies the on-disk run format written by this code.
const FormatVersion = 2

// Metadata is everything needed to resume a run: the parameter space and
// the optimiser settings. It is written once when the run directory is
// created and never mutated afterwards.
type Metadata struct {
	FormatVersion int `yaml:"format_version"`

	Names         []string  `yaml:"names"`
	Commands      []string  `yaml:"commands"`
	InitialValues []float64 `yaml:"initial_values"`
	Minimums      []float64 `yaml:"minimums"`
	Maximums      []float64 `yaml:"maximums"`
	Sigmas        []float64 `yaml:"sigmas"`

	NumSolutions int     `yaml:"num_solutions"`
	TargetSigma  float64 `yaml:"target_sigma"`
	RandomSeed   int64   `yaml:"random_seed"`
}

// Save writes the metadata file into the run directory
func (m *Metadata) Save(p Paths) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}
	if err := os.WriteFile(p.Metadata(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write run metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads and validates the metadata file of a run directory
func LoadMetadata(p Paths) (*Metadata, error) {
	data, err := os.ReadFile(p.Metadata())
	if err != nil {
		return nil, fmt.Errorf("failed to read run metadata: %w", err)
	}

	var m Metadata
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse run metadata: %w", err)
	}

	if err := validateMetadata(&m); err != nil {
		return nil, fmt.Errorf("invalid run metadata: %w", err)
	}
	return &m, nil
}

// validateMetadata checks internal consistency of loaded metadata
func validateMetadata(m *Metadata) error {
	n := len(m.Names)
	if n == 0 {
		return fmt.Errorf("no parameter names")
	}
	for field, l := range map[string]int{
		"commands":       len(m.Commands),
		"initial_values": len(m.InitialValues),
		"minimums":       len(m.Minimums),
		"maximums":       len(m.Maximums),
		"sigmas":         len(m.Sigmas),
	} {
		if l != n {
			return fmt.Errorf("%s has %d entries, want %d", field, l, n)
		}
	}
	if m.NumSolutions < 2 {
		return fmt.Errorf("num_solutions must be at least 2, got %d", m.NumSolutions)
	}
	if m.TargetSigma <= 0 {
		return fmt.Errorf("target_sigma must be positive, got %f", m.TargetSigma)
	}
	return nil
}
