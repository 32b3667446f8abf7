// Package visualization exports 2D slices of volumes as images for quality control
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"mrivolprep/internal/models"
	"mrivolprep/pkg/preprocess"
)

// Viewer extracts slices and regions from a volume. Intensities are windowed to
// the volume's own [min, max] range, so raw scanner values and normalized
// volumes both map onto the full 16-bit gray scale.
type Viewer struct {
	volume *models.Volume

	// window bounds used to map intensities to gray levels
	low  float64
	high float64
}

// NewViewer creates a viewer over v
func NewViewer(v *models.Volume) (*Viewer, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &Viewer{
		volume: v,
		low:    floats.Min(v.Data),
		high:   floats.Max(v.Data),
	}, nil
}

// Window returns the intensity range mapped to black and white
func (v *Viewer) Window() (low, high float64) {
	return v.low, v.high
}

// SetWindow overrides the intensity range
func (v *Viewer) SetWindow(low, high float64) error {
	if high < low {
		return fmt.Errorf("window high %g is below low %g", high, low)
	}
	v.low, v.high = low, high
	return nil
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.high <= v.low {
		return color.Gray16{}
	}
	t := (value - v.low) / (v.high - v.low)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return color.Gray16{Y: uint16(t*65535 + 0.5)}
}

// axisLength returns the number of slices along axis
func (v *Viewer) axisLength(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return v.volume.Width, nil
	case "y":
		return v.volume.Height, nil
	case "z":
		return v.volume.Depth, nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	n, err := v.axisLength(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d out of range [0, %d) along %s", position, n, axis)
	}

	vol := v.volume
	var img *image.Gray16

	switch strings.ToLower(axis) {
	case "x":
		// YZ plane
		img = image.NewGray16(image.Rect(0, 0, vol.Depth, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Depth; z++ {
				img.SetGray16(z, y, v.gray(vol.At(z, y, position)))
			}
		}
	case "y":
		// XZ plane
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, z, v.gray(vol.At(z, position, x)))
			}
		}
	default:
		// XY plane
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, y, v.gray(vol.At(position, y, x)))
			}
		}
	}

	return img, nil
}

// ExtractRegion extracts a 3D subregion from the volume
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*models.Volume, error) {
	return v.volume.Region(startZ, startY, startX, models.Shape{Depth: sizeZ, Height: sizeY, Width: sizeX})
}

// SaveSlice saves an extracted slice as a 16-bit PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	n, err := v.axisLength(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", strings.ToLower(axis), pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveMiddleSlices saves the central slice along each axis as middle_<axis>.png
func (v *Viewer) SaveMiddleSlices(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for _, axis := range []string{"z", "y", "x"} {
		n, _ := v.axisLength(axis)
		img, err := v.ExtractSlice(axis, n/2)
		if err != nil {
			return err
		}
		if err := v.SaveSlice(img, filepath.Join(outputDir, "middle_"+axis+".png")); err != nil {
			return err
		}
	}
	return nil
}

// StageWriter saves the middle slices of every pipeline stage under
// <Dir>/<name>/<stage>/. It implements preprocess.Observer.
type StageWriter struct {
	Dir    string
	Logger *zap.Logger
}

var _ preprocess.Observer = (*StageWriter)(nil)

// Observe writes the slices of one intermediate volume
func (w *StageWriter) Observe(name string, stage preprocess.Stage, v *models.Volume) error {
	viewer, err := NewViewer(v)
	if err != nil {
		return err
	}
	dir := filepath.Join(w.Dir, name, string(stage))
	if err := viewer.SaveMiddleSlices(dir); err != nil {
		return fmt.Errorf("saving %s slices of %s: %w", stage, name, err)
	}
	if w.Logger != nil {
		w.Logger.Debug("saved intermediary slices",
			zap.String("name", name),
			zap.String("stage", string(stage)),
			zap.String("dir", dir),
		)
	}
	return nil
}
