package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/enoordeh/grizli/internal/fitting"
	"github.com/enoordeh/grizli/internal/stack"
)

// Config holds the fit parameters, loadable from a YAML file.
type Config struct {
	SysErr  float64 `yaml:"sys_err"`
	MaskMin float64 `yaml:"mask_min"`
	FContam float64 `yaml:"fcontam"`

	DZ0     float64 `yaml:"dz0"`
	ZMin    float64 `yaml:"zmin"`
	ZMax    float64 `yaml:"zmax"`
	Fitter  string  `yaml:"fitter"`
	Workers int     `yaml:"workers"`
}

// DefaultConfig matches the standard stack-fitting parameters.
func DefaultConfig() Config {
	return Config{
		SysErr:  0.02,
		MaskMin: 0.1,
		FContam: 1,
		DZ0:     0.005,
		ZMin:    0.4,
		ZMax:    3.4,
		Fitter:  string(fitting.SolverNNLS),
		Workers: 1,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// StackOptions converts the config to spectrum-model options.
func (c Config) StackOptions() stack.Options {
	return stack.Options{SysErr: c.SysErr, MaskMin: c.MaskMin, FContam: c.FContam}
}

// SearchConfig converts the config to a redshift search configuration.
func (c Config) SearchConfig() fitting.SearchConfig {
	return fitting.SearchConfig{
		DZ0:     c.DZ0,
		ZMin:    c.ZMin,
		ZMax:    c.ZMax,
		Solver:  fitting.Solver(c.Fitter),
		Workers: c.Workers,
	}
}

// LoadPrior reads a redshift prior from a JSON file with "z" and "chi2"
// arrays.
func LoadPrior(path string) (*fitting.Prior, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prior: %w", err)
	}
	var p struct {
		Z    []float64 `json:"z"`
		Chi2 []float64 `json:"chi2"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("prior: %s: %w", path, err)
	}
	if len(p.Z) < 2 || len(p.Z) != len(p.Chi2) {
		return nil, fmt.Errorf("prior: %s: need matching z and chi2 arrays with at least 2 samples", path)
	}
	return &fitting.Prior{Z: p.Z, Chi2: p.Chi2}, nil
}
