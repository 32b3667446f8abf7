package preprocess

import (
	"fmt"
	"math"

	"mrivolprep/internal/models"
)

// Resample rescales v to exactly the target shape with nearest-neighbor interpolation.
// Each axis is scaled independently. Corner voxels are aligned, so output index i maps
// to input index round(i * (in-1)/(out-1)); an axis of length 1 samples index 0.
// Resampling to the volume's own shape is the identity.
func Resample(v *models.Volume, target models.Shape) (*models.Volume, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if !target.Valid() {
		return nil, fmt.Errorf("invalid target shape %s", target)
	}

	src := v.Shape()
	if src == target {
		return v.Clone(), nil
	}

	zIdx := nearestIndices(src.Depth, target.Depth)
	yIdx := nearestIndices(src.Height, target.Height)
	xIdx := nearestIndices(src.Width, target.Width)

	out := models.NewVolume(target)
	out.VoxelSize.Z = v.VoxelSize.Z * float64(src.Depth) / float64(target.Depth)
	out.VoxelSize.Y = v.VoxelSize.Y * float64(src.Height) / float64(target.Height)
	out.VoxelSize.X = v.VoxelSize.X * float64(src.Width) / float64(target.Width)

	for z, sz := range zIdx {
		for y, sy := range yIdx {
			row := v.Index(sz, sy, 0)
			dst := out.Index(z, y, 0)
			for x, sx := range xIdx {
				out.Data[dst+x] = v.Data[row+sx]
			}
		}
	}
	return out, nil
}

// ScaleFactors returns the per-axis zoom target/source in (Z, Y, X) order
func ScaleFactors(src, target models.Shape) [3]float64 {
	s, t := src.Dims(), target.Dims()
	var f [3]float64
	for a := range f {
		f[a] = float64(t[a]) / float64(s[a])
	}
	return f
}

// nearestIndices maps each output position along one axis to its source index
func nearestIndices(in, out int) []int {
	idx := make([]int, out)
	if out == 1 {
		return idx
	}
	step := float64(in-1) / float64(out-1)
	for i := range idx {
		s := int(math.Floor(float64(i)*step + 0.5))
		if s > in-1 {
			s = in - 1
		}
		idx[i] = s
	}
	return idx
}
