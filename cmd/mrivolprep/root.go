package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mrivolprep/internal/logging"
	"mrivolprep/pkg/config"
	"mrivolprep/pkg/dataset"
	"mrivolprep/pkg/preprocess"
	"mrivolprep/pkg/visualization"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	configPath string
	verbose    bool

	// Set by loadSettings before any subcommand runs
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mrivolprep",
	Short: "Preprocess MRI volumes for 3D classification",
	Long: `mrivolprep turns NIfTI brain scans into normalized, fixed-size tensors.

Each volume is cropped to its non-background bounding box, resampled to the
configured depth, height and width, and z-score normalized over its foreground.
Background voxels are filled with Gaussian noise.

Commands:
  classes      - Print the class table of a dataset root
  index        - List the examples of the configured dataset
  inspect      - Show header and pipeline statistics for one volume
  preprocess   - Run every example through the pipeline and write the results
  init-config  - Write a default configuration file

Example:
  mrivolprep init-config config.yaml
  mrivolprep --config config.yaml index
  mrivolprep --config config.yaml preprocess --out prepared/`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging (overrides output.verbose)")

	rootCmd.AddCommand(classesCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(preprocessCmd)
	rootCmd.AddCommand(initConfigCmd)
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

// loadSettings reads and validates the configuration and builds the logger
func loadSettings(cmd *cobra.Command, args []string) error {
	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("verbose") {
		loaded.Output.Verbose = verbose
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration %s: %w", configPath, err)
	}

	l, err := logging.New(loaded.Output.Verbose)
	if err != nil {
		return fmt.Errorf("error creating logger: %w", err)
	}

	cfg = loaded
	logger = l
	return nil
}

// newPipeline builds the preprocessing pipeline from the configuration. When
// intermediary results are enabled the middle slices of every stage are saved.
func newPipeline(observer preprocess.Observer) (*preprocess.Pipeline, error) {
	params, err := cfg.PipelineParams()
	if err != nil {
		return nil, err
	}
	if observer == nil && cfg.Output.SaveIntermediaryResults {
		observer = &visualization.StageWriter{Dir: cfg.Output.IntermediaryDir, Logger: logger}
	}
	params.Observer = observer
	return preprocess.NewPipeline(params)
}

// newEnumerator indexes the dataset under root in the configured mode
func newEnumerator(root string) (*dataset.Enumerator, error) {
	mode, err := dataset.ParseMode(cfg.Dataset.Mode)
	if err != nil {
		return nil, err
	}
	modality, err := dataset.ParseModality(cfg.Dataset.Modality)
	if err != nil {
		return nil, err
	}
	pipeline, err := newPipeline(nil)
	if err != nil {
		return nil, err
	}

	return dataset.New(dataset.Config{
		Root:           root,
		Manifest:       cfg.Dataset.Manifest,
		Mode:           mode,
		Modality:       modality,
		Pipeline:       pipeline,
		ClipOnEvaluate: cfg.Pipeline.ClipOnEvaluate,
		Logger:         logger,
	})
}

// datasetRoot returns the validation root when requested, the training root otherwise
func datasetRoot(validation bool) (string, error) {
	if !validation {
		return cfg.Dataset.Root, nil
	}
	if cfg.Dataset.ValRoot == "" {
		return "", fmt.Errorf("dataset.valRoot is not set")
	}
	return cfg.Dataset.ValRoot, nil
}
