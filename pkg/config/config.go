// Package config provides configuration loading and management for mrivolprep.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"mrivolprep/internal/models"
	"mrivolprep/pkg/dataset"
	"mrivolprep/pkg/loader"
	"mrivolprep/pkg/preprocess"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Sampling is the (depth, height, width) every volume is resampled to
	Sampling models.Shape `yaml:"sampling"`

	// Dataset location and layout
	Dataset struct {
		// Root is the class directory tree used for training
		Root string `yaml:"root"`

		// ValRoot is an optional second class tree used for validation
		ValRoot string `yaml:"valRoot"`

		// Manifest lists evaluation examples, one per line
		Manifest string `yaml:"manifest"`

		// Mode is "train" or "test"
		Mode string `yaml:"mode"`

		// Modality is "single" or "dual"
		Modality string `yaml:"modality"`
	} `yaml:"dataset"`

	// Pipeline parameters
	Pipeline struct {
		// ClipMode is "exclusive" or "inclusive"
		ClipMode string `yaml:"clipMode"`

		// ClipOnEvaluate also runs the range clipper in test mode
		ClipOnEvaluate bool `yaml:"clipOnEvaluate"`

		// Seed makes background noise and shuffling reproducible; 0 seeds from the clock
		Seed uint64 `yaml:"seed"`
	} `yaml:"pipeline"`

	// Loader parameters
	Loader struct {
		BatchSize int  `yaml:"batchSize"`
		Workers   int  `yaml:"workers"`
		Shuffle   bool `yaml:"shuffle"`
		DropLast  bool `yaml:"dropLast"`

		// FailurePolicy is "abort" or "skip"
		FailurePolicy string `yaml:"failurePolicy"`
	} `yaml:"loader"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults determines whether to save slices after every pipeline stage
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is where intermediary slices are written
		IntermediaryDir string `yaml:"intermediaryDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Metrics parameters
	Metrics struct {
		// Addr is the listen address of the Prometheus endpoint; empty disables it
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Sampling = models.Shape{Depth: 56, Height: 448, Width: 448}

	cfg.Dataset.Mode = "train"
	cfg.Dataset.Modality = "dual"

	cfg.Pipeline.ClipMode = preprocess.ClipExclusive.String()
	cfg.Pipeline.ClipOnEvaluate = false

	cfg.Loader.BatchSize = 1
	cfg.Loader.Workers = runtime.NumCPU()
	cfg.Loader.Shuffle = true
	cfg.Loader.FailurePolicy = loader.PolicyAbort.String()

	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if !c.Sampling.Valid() {
		errs = append(errs, fmt.Errorf("sampling shape %s must be positive", c.Sampling))
	}
	if _, err := dataset.ParseMode(c.Dataset.Mode); err != nil {
		errs = append(errs, err)
	}
	if _, err := dataset.ParseModality(c.Dataset.Modality); err != nil {
		errs = append(errs, err)
	}
	if _, err := preprocess.ParseClipMode(c.Pipeline.ClipMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := loader.ParsePolicy(c.Loader.FailurePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Loader.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("loader.batchSize must be at least 1, got %d", c.Loader.BatchSize))
	}
	if c.Loader.Workers < 1 {
		errs = append(errs, fmt.Errorf("loader.workers must be at least 1, got %d", c.Loader.Workers))
	}
	if c.Output.SaveIntermediaryResults && c.Output.IntermediaryDir == "" {
		errs = append(errs, fmt.Errorf("output.intermediaryDir is required when saving intermediary results"))
	}

	return errors.Join(errs...)
}

// PipelineParams converts the sampling and pipeline sections
func (c *Config) PipelineParams() (preprocess.Params, error) {
	mode, err := preprocess.ParseClipMode(c.Pipeline.ClipMode)
	if err != nil {
		return preprocess.Params{}, err
	}
	return preprocess.Params{
		Target:   c.Sampling,
		ClipMode: mode,
		Seed:     c.Pipeline.Seed,
	}, nil
}

// LoaderOptions converts the loader section
func (c *Config) LoaderOptions() (loader.Options, error) {
	policy, err := loader.ParsePolicy(c.Loader.FailurePolicy)
	if err != nil {
		return loader.Options{}, err
	}
	return loader.Options{
		BatchSize: c.Loader.BatchSize,
		Workers:   c.Loader.Workers,
		Shuffle:   c.Loader.Shuffle,
		Seed:      c.Pipeline.Seed,
		DropLast:  c.Loader.DropLast,
		Policy:    policy,
	}, nil
}
