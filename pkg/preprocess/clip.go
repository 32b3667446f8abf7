// Package preprocess converts raw MRI volumes into fixed-shape, intensity
// normalized arrays: range clipping, nearest-neighbor resampling, foreground
// z-scoring with background noise injection, and tensor packing.
//
// All transforms share the models.Volume (Z, Y, X) axis order and never modify
// their input volume.
package preprocess

import (
	"errors"
	"fmt"
	"strings"

	"mrivolprep/internal/models"
)

var (
	// ErrDegenerateVolume marks volumes that carry no usable signal
	ErrDegenerateVolume = errors.New("degenerate volume")

	// ErrEmptyBoundingBox is returned when no voxel differs from the background value
	ErrEmptyBoundingBox = fmt.Errorf("%w: empty bounding box", ErrDegenerateVolume)
)

// ClipMode selects how the upper edge of the bounding box is treated
type ClipMode int

const (
	// ClipExclusive slices [min, max) on each axis, dropping the last plane of signal.
	// This matches the reference preprocessing that trained models expect.
	ClipExclusive ClipMode = iota

	// ClipInclusive slices [min, max], keeping every voxel that differs from the background
	ClipInclusive
)

// ParseClipMode parses "exclusive" or "inclusive"
func ParseClipMode(s string) (ClipMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exclusive":
		return ClipExclusive, nil
	case "inclusive":
		return ClipInclusive, nil
	default:
		return ClipExclusive, fmt.Errorf("unknown clip mode %q (must be exclusive or inclusive)", s)
	}
}

func (m ClipMode) String() string {
	if m == ClipInclusive {
		return "inclusive"
	}
	return "exclusive"
}

// Bounds is the bounding box of non-background voxels. Min and Max are inclusive
// voxel indices in (Z, Y, X) order.
type Bounds struct {
	Min [3]int
	Max [3]int

	// Background is the value of voxel (0, 0, 0)
	Background float64
}

// FindBounds computes the bounding box of all voxels whose value differs from voxel (0, 0, 0)
func FindBounds(v *models.Volume) (Bounds, error) {
	if err := v.Validate(); err != nil {
		return Bounds{}, err
	}

	b := Bounds{
		Min:        [3]int{v.Depth, v.Height, v.Width},
		Max:        [3]int{-1, -1, -1},
		Background: v.Data[0],
	}

	found := false
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			row := v.Index(z, y, 0)
			for x := 0; x < v.Width; x++ {
				if v.Data[row+x] == b.Background {
					continue
				}
				found = true
				p := [3]int{z, y, x}
				for a := 0; a < 3; a++ {
					if p[a] < b.Min[a] {
						b.Min[a] = p[a]
					}
					if p[a] > b.Max[a] {
						b.Max[a] = p[a]
					}
				}
			}
		}
	}

	if !found {
		return b, fmt.Errorf("%w: every voxel equals background value %g", ErrEmptyBoundingBox, b.Background)
	}
	return b, nil
}

// Extent returns the size of the clipped region for the given mode
func (b Bounds) Extent(mode ClipMode) models.Shape {
	var dims [3]int
	for a := 0; a < 3; a++ {
		dims[a] = b.Max[a] - b.Min[a]
		if mode == ClipInclusive {
			dims[a]++
		}
	}
	return models.ShapeOf(dims)
}

// Clip removes the constant border around the signal. The background is the value
// at voxel (0, 0, 0); see ClipMode for how the upper bound is handled.
func Clip(v *models.Volume, mode ClipMode) (*models.Volume, Bounds, error) {
	b, err := FindBounds(v)
	if err != nil {
		return nil, b, err
	}

	extent := b.Extent(mode)
	dims := extent.Dims()
	for a := 0; a < 3; a++ {
		if dims[a] <= 0 {
			return nil, b, fmt.Errorf("%w: %s bounds collapse along %s (min=max=%d)",
				ErrEmptyBoundingBox, mode, models.Axis(a), b.Min[a])
		}
	}

	out, err := v.Region(b.Min[0], b.Min[1], b.Min[2], extent)
	if err != nil {
		return nil, b, err
	}
	return out, b, nil
}
