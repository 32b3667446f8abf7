// Package dataset indexes MRI examples on disk and turns each one into a packed
// tensor through the preprocessing pipeline.
//
// Train mode scans a class directory tree:
//
//	root/<class>/<file>.nii[.gz]              single modality
//	root/<class>/<patient>/*t1.nii.gz, *t2... dual modality
//
// Evaluate mode reads a manifest with one example per line.
package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"mrivolprep/internal/models"
	"mrivolprep/pkg/nifti"
	"mrivolprep/pkg/preprocess"
)

// VolumeLoader reads one volume file
type VolumeLoader func(path string) (*models.Volume, error)

// Config describes how an Enumerator finds and processes examples
type Config struct {
	// Root is the class directory tree. Required in train mode; optional in
	// evaluate mode, where it only provides class names.
	Root string

	// Manifest lists evaluation examples. Required in evaluate mode.
	Manifest string

	Mode     Mode
	Modality Modality

	// Pipeline converts each loaded volume to the target shape
	Pipeline *preprocess.Pipeline

	// ClipOnEvaluate runs the range clipper in evaluate mode too. The default
	// skips it, matching how the reference models were evaluated.
	ClipOnEvaluate bool

	// Load reads volume files. Defaults to nifti.ReadVolume.
	Load VolumeLoader

	Logger *zap.Logger
}

// Sample is one processed example
type Sample struct {
	// Tensor has shape (C, D, H, W) with C = 1 (single) or 2 (dual)
	Tensor *tensor.Dense

	// Label is the class index; only meaningful when HasLabel is set
	Label    int
	HasLabel bool

	// Path is the patient directory or volume file the example came from
	Path string

	// Index is the position of the example in the enumerator
	Index int

	// Results holds the per-channel pipeline output
	Results []*preprocess.Result
}

// Enumerator indexes examples at construction and processes one on each Get.
// It keeps no state between calls, so Get may be called from many goroutines.
type Enumerator struct {
	cfg         Config
	classes     *ClassTable
	descriptors []Descriptor
	logger      *zap.Logger
}

// New discovers the examples described by cfg
func New(cfg Config) (*Enumerator, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("dataset needs a preprocessing pipeline")
	}
	if cfg.Load == nil {
		cfg.Load = nifti.ReadVolume
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Enumerator{cfg: cfg, logger: logger}

	var err error
	switch cfg.Mode {
	case ModeTrain:
		if cfg.Root == "" {
			return nil, fmt.Errorf("train mode needs a dataset root")
		}
		if e.classes, err = FindClasses(cfg.Root); err != nil {
			return nil, err
		}
		if e.descriptors, err = discoverTrain(cfg.Root, e.classes, cfg.Modality); err != nil {
			return nil, err
		}
	case ModeEvaluate:
		if cfg.Manifest == "" {
			return nil, fmt.Errorf("evaluate mode needs a manifest file")
		}
		if cfg.Root != "" {
			if e.classes, err = FindClasses(cfg.Root); err != nil {
				return nil, err
			}
		}
		if e.descriptors, err = readManifest(cfg.Manifest, cfg.Modality); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown mode %d", cfg.Mode)
	}

	logger.Info("dataset indexed",
		zap.String("mode", cfg.Mode.String()),
		zap.String("modality", cfg.Modality.String()),
		zap.Int("examples", len(e.descriptors)),
		zap.Int("classes", e.NumClasses()),
	)
	return e, nil
}

// Len returns the number of examples
func (e *Enumerator) Len() int {
	return len(e.descriptors)
}

// Mode returns the operating mode fixed at construction
func (e *Enumerator) Mode() Mode {
	return e.cfg.Mode
}

// Modality returns the number of sequences per example
func (e *Enumerator) Modality() Modality {
	return e.cfg.Modality
}

// Classes returns the class table, or nil in evaluate mode without a root
func (e *Enumerator) Classes() *ClassTable {
	return e.classes
}

// NumClasses returns the number of classes, zero when no table was built
func (e *Enumerator) NumClasses() int {
	if e.classes == nil {
		return 0
	}
	return e.classes.Len()
}

// Descriptor returns the descriptor of example i
func (e *Enumerator) Descriptor(i int) (Descriptor, error) {
	if i < 0 || i >= len(e.descriptors) {
		return Descriptor{}, fmt.Errorf("example index %d out of range [0, %d)", i, len(e.descriptors))
	}
	return e.descriptors[i], nil
}

// Get loads example i and runs every volume through the pipeline. Errors are
// returned as *ExampleError wrapping ErrMissingVolume, a preprocess error or an
// I/O error.
func (e *Enumerator) Get(ctx context.Context, i int) (*Sample, error) {
	d, err := e.Descriptor(i)
	if err != nil {
		return nil, err
	}

	sample, err := e.get(ctx, i, d)
	if err != nil {
		return nil, &ExampleError{Index: i, Source: d.Source(), Err: err}
	}
	return sample, nil
}

func (e *Enumerator) get(ctx context.Context, i int, d Descriptor) (*Sample, error) {
	paths, err := e.resolve(d)
	if err != nil {
		return nil, err
	}

	clip := e.cfg.Mode == ModeTrain || e.cfg.ClipOnEvaluate
	volumes := make([]*models.Volume, len(paths))
	results := make([]*preprocess.Result, len(paths))
	for c, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		v, err := e.cfg.Load(path)
		if err != nil {
			return nil, err
		}

		res, err := e.cfg.Pipeline.Process(v, preprocess.RunOptions{
			Name: fmt.Sprintf("%04d_%s", i, e.channelName(d, c)),
			Clip: clip,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}

		e.logger.Debug("volume processed",
			zap.String("path", path),
			zap.Stringer("source_shape", res.SourceShape),
			zap.Bool("clipped", res.Clipped),
			zap.Float64("fg_mean", res.Stats.Mean),
			zap.Float64("fg_std", res.Stats.Std),
			zap.Int("fg_voxels", res.Stats.Foreground),
		)
		volumes[c] = res.Volume
		results[c] = res
	}

	packed, err := preprocess.Pack(volumes...)
	if err != nil {
		return nil, err
	}

	return &Sample{
		Tensor:   packed,
		Label:    d.Label,
		HasLabel: e.cfg.Mode == ModeTrain && d.Labelled(),
		Path:     d.Source(),
		Index:    i,
		Results:  results,
	}, nil
}

// resolve returns the volume files of an example, checking that each exists
func (e *Enumerator) resolve(d Descriptor) ([]string, error) {
	if d.Dir != "" {
		paths := make([]string, len(modalityPatterns))
		for c, patterns := range modalityPatterns {
			path, err := findModality(d.Dir, patterns)
			if err != nil {
				return nil, err
			}
			paths[c] = path
		}
		return paths, nil
	}

	for _, path := range d.Paths {
		if err := checkFile(path); err != nil {
			return nil, err
		}
	}
	return d.Paths, nil
}

// ChannelName returns the name channel c of example i is saved under:
// <class>_<file or patient>[_t1|_t2]
func (e *Enumerator) ChannelName(i, c int) (string, error) {
	d, err := e.Descriptor(i)
	if err != nil {
		return "", err
	}
	if c < 0 || c >= e.cfg.Modality.Channels() {
		return "", fmt.Errorf("channel %d out of range for %s modality", c, e.cfg.Modality)
	}
	return e.channelName(d, c), nil
}

func (e *Enumerator) channelName(d Descriptor, channel int) string {
	// Files listed explicitly are named after themselves
	if channel < len(d.Paths) {
		return stripVolumeExt(filepath.Base(d.Paths[channel]), d.ClassName)
	}
	base := stripVolumeExt(filepath.Base(d.Source()), d.ClassName)
	if e.cfg.Modality == Dual {
		base += "_" + modalityNames[channel]
	}
	return base
}

func stripVolumeExt(name, class string) string {
	for _, ext := range volumeExtensions {
		name = strings.TrimSuffix(name, ext)
	}
	if class != "" {
		name = class + "_" + name
	}
	return name
}
