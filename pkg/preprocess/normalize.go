package preprocess

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"mrivolprep/internal/models"
)

var (
	// ErrEmptyForeground is returned when a volume has no voxel above zero
	ErrEmptyForeground = fmt.Errorf("%w: no foreground voxels", ErrDegenerateVolume)

	// ErrZeroVariance is returned when foreground voxels have no spread to normalize by
	ErrZeroVariance = fmt.Errorf("%w: foreground has zero variance", ErrDegenerateVolume)
)

// Stats describes the foreground intensity distribution a volume was normalized with
type Stats struct {
	// Foreground is the number of voxels above zero
	Foreground int

	// Background is the number of voxels at or below zero
	Background int

	// Mean and Std are the foreground mean and population standard deviation
	Mean float64
	Std  float64
}

// ForegroundStats computes the mean and population standard deviation of all
// voxels above zero
func ForegroundStats(v *models.Volume) (Stats, error) {
	fg := make([]float64, 0, len(v.Data))
	for _, value := range v.Data {
		if value > 0 {
			fg = append(fg, value)
		}
	}

	s := Stats{Foreground: len(fg), Background: len(v.Data) - len(fg)}
	if len(fg) == 0 {
		return s, ErrEmptyForeground
	}

	s.Mean, s.Std = stat.PopMeanStdDev(fg, nil)
	if s.Std == 0 || math.IsNaN(s.Std) || math.IsInf(s.Std, 0) || math.IsNaN(s.Mean) || math.IsInf(s.Mean, 0) {
		return s, fmt.Errorf("%w: %d foreground voxels, mean %g, std %g", ErrZeroVariance, s.Foreground, s.Mean, s.Std)
	}
	return s, nil
}

// Normalize z-scores v with the statistics of its foreground (voxels > 0), then
// replaces every background voxel (<= 0) with an independent standard normal sample
// drawn from src. A nil src falls back to the package-level generator.
func Normalize(v *models.Volume, src rand.Source) (*models.Volume, Stats, error) {
	if err := v.Validate(); err != nil {
		return nil, Stats{}, err
	}

	s, err := ForegroundStats(v)
	if err != nil {
		return nil, s, err
	}

	noise := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	out := v.Clone()
	for i, value := range v.Data {
		if value > 0 {
			out.Data[i] = (value - s.Mean) / s.Std
		} else {
			out.Data[i] = noise.Rand()
		}
	}
	return out, s, nil
}
