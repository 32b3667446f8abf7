package preprocess

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/exp/rand"

	"mrivolprep/internal/models"
)

// Stage names a point in the pipeline at which an intermediate volume is available
type Stage string

const (
	StageLoaded     Stage = "01_loaded"
	StageClipped    Stage = "02_clipped"
	StageResampled  Stage = "03_resampled"
	StageNormalized Stage = "04_normalized"
)

// Observer receives the intermediate volume after each stage. It is used to save
// intermediary results and must not modify the volume.
type Observer interface {
	Observe(name string, stage Stage, v *models.Volume) error
}

// Params holds the sampling configuration shared by every example
type Params struct {
	// Target is the output shape every volume is resampled to
	Target models.Shape

	// ClipMode controls the upper edge of the range clipper
	ClipMode ClipMode

	// Seed makes background noise reproducible. Zero seeds from the clock.
	Seed uint64

	// Observer, when set, is notified after every stage
	Observer Observer
}

// RunOptions selects per-call behavior
type RunOptions struct {
	// Name identifies the volume to the Observer
	Name string

	// Clip enables the range clipper
	Clip bool
}

// Result is the outcome of running one volume through the pipeline
type Result struct {
	Volume *models.Volume

	// SourceShape is the shape of the volume as loaded
	SourceShape models.Shape

	// Clipped reports whether the range clipper ran; Bounds is only set when it did
	Clipped bool
	Bounds  Bounds

	Stats Stats
}

// Pipeline runs clip, resample and normalize on one volume at a time. It holds no
// per-volume state and is safe for concurrent use.
type Pipeline struct {
	params  Params
	seed    uint64
	counter atomic.Uint64
}

// NewPipeline validates params and returns a pipeline
func NewPipeline(params Params) (*Pipeline, error) {
	if !params.Target.Valid() {
		return nil, fmt.Errorf("invalid target shape %s", params.Target)
	}
	seed := params.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Pipeline{params: params, seed: seed}, nil
}

// Target returns the configured output shape
func (p *Pipeline) Target() models.Shape {
	return p.params.Target
}

// NewSource returns a fresh random source for one volume. Sources are derived
// from the seed and a call counter, so concurrent callers never share one.
func (p *Pipeline) NewSource() rand.Source {
	n := p.counter.Add(1)
	return rand.NewSource(p.seed + n*0x9e3779b97f4a7c15)
}

// Process runs the pipeline on v with a fresh random source
func (p *Pipeline) Process(v *models.Volume, opts RunOptions) (*Result, error) {
	return p.ProcessWithSource(v, opts, p.NewSource())
}

// ProcessWithSource runs the pipeline on v drawing background noise from src
func (p *Pipeline) ProcessWithSource(v *models.Volume, opts RunOptions, src rand.Source) (*Result, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}

	res := &Result{SourceShape: v.Shape()}
	if err := p.observe(opts.Name, StageLoaded, v); err != nil {
		return nil, err
	}

	current := v
	if opts.Clip {
		clipped, bounds, err := Clip(current, p.params.ClipMode)
		if err != nil {
			return nil, fmt.Errorf("clip: %w", err)
		}
		res.Clipped = true
		res.Bounds = bounds
		current = clipped
		if err := p.observe(opts.Name, StageClipped, current); err != nil {
			return nil, err
		}
	}

	resampled, err := Resample(current, p.params.Target)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	if err := p.observe(opts.Name, StageResampled, resampled); err != nil {
		return nil, err
	}

	normalized, stats, err := Normalize(resampled, src)
	res.Stats = stats
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	if err := p.observe(opts.Name, StageNormalized, normalized); err != nil {
		return nil, err
	}

	res.Volume = normalized
	return res, nil
}

func (p *Pipeline) observe(name string, stage Stage, v *models.Volume) error {
	if p.params.Observer == nil {
		return nil
	}
	if err := p.params.Observer.Observe(name, stage, v); err != nil {
		return fmt.Errorf("observer failed at stage %s: %w", stage, err)
	}
	return nil
}
