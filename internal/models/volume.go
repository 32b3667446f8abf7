package models

import (
	"fmt"
)

// Axis names one of the three spatial axes of a Volume.
// Every package in this module uses the same (Z, Y, X) = (depth, height, width) order.
type Axis int

const (
	AxisZ Axis = iota
	AxisY
	AxisX
)

// String returns the lowercase axis letter
func (a Axis) String() string {
	switch a {
	case AxisZ:
		return "z"
	case AxisY:
		return "y"
	case AxisX:
		return "x"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// Shape is the extent of a volume along (Z, Y, X)
type Shape struct {
	Depth  int `yaml:"depth"`
	Height int `yaml:"height"`
	Width  int `yaml:"width"`
}

// Dims returns the shape as a (Z, Y, X) array
func (s Shape) Dims() [3]int {
	return [3]int{s.Depth, s.Height, s.Width}
}

// ShapeOf builds a Shape from a (Z, Y, X) array
func ShapeOf(dims [3]int) Shape {
	return Shape{Depth: dims[0], Height: dims[1], Width: dims[2]}
}

// Len returns the number of voxels
func (s Shape) Len() int {
	return s.Depth * s.Height * s.Width
}

// Valid reports whether every extent is positive
func (s Shape) Valid() bool {
	return s.Depth > 0 && s.Height > 0 && s.Width > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s.Depth, s.Height, s.Width)
}

// Volume represents one 3D MRI acquisition
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order,
	// X varying fastest: idx = z*Height*Width + y*Width + x
	Data []float64

	// Width is the extent along X in voxels
	Width int

	// Height is the extent along Y in voxels
	Height int

	// Depth is the extent along Z in voxels
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zero-filled volume of the given shape
func NewVolume(shape Shape) *Volume {
	v := &Volume{
		Data:   make([]float64, shape.Len()),
		Width:  shape.Width,
		Height: shape.Height,
		Depth:  shape.Depth,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 1, 1, 1
	return v
}

// NewVolumeFromData wraps data without copying. The length of data must match the shape.
func NewVolumeFromData(shape Shape, data []float64) (*Volume, error) {
	if !shape.Valid() {
		return nil, fmt.Errorf("invalid volume shape %s", shape)
	}
	if len(data) != shape.Len() {
		return nil, fmt.Errorf("volume data has %d voxels, shape %s needs %d", len(data), shape, shape.Len())
	}
	v := &Volume{
		Data:   data,
		Width:  shape.Width,
		Height: shape.Height,
		Depth:  shape.Depth,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 1, 1, 1
	return v, nil
}

// Shape returns the volume extent
func (v *Volume) Shape() Shape {
	return Shape{Depth: v.Depth, Height: v.Height, Width: v.Width}
}

// Index returns the flat offset of voxel (z, y, x)
func (v *Volume) Index(z, y, x int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the value of voxel (z, y, x)
func (v *Volume) At(z, y, x int) float64 {
	return v.Data[v.Index(z, y, x)]
}

// Set assigns the value of voxel (z, y, x)
func (v *Volume) Set(z, y, x int, value float64) {
	v.Data[v.Index(z, y, x)] = value
}

// Validate checks that the dimensions and the data length agree
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("nil volume")
	}
	if !v.Shape().Valid() {
		return fmt.Errorf("invalid volume shape %s", v.Shape())
	}
	if len(v.Data) != v.Shape().Len() {
		return fmt.Errorf("volume data has %d voxels, shape %s needs %d", len(v.Data), v.Shape(), v.Shape().Len())
	}
	return nil
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// Region copies the sub-volume starting at (z0, y0, x0) with the given extent
func (v *Volume) Region(z0, y0, x0 int, size Shape) (*Volume, error) {
	if z0 < 0 || y0 < 0 || x0 < 0 {
		return nil, fmt.Errorf("region start (%d, %d, %d) must be non-negative", z0, y0, x0)
	}
	if !size.Valid() {
		return nil, fmt.Errorf("region size %s must be positive", size)
	}
	if z0+size.Depth > v.Depth || y0+size.Height > v.Height || x0+size.Width > v.Width {
		return nil, fmt.Errorf("region %s at (%d, %d, %d) extends beyond volume %s", size, z0, y0, x0, v.Shape())
	}

	out := NewVolume(size)
	out.VoxelSize = v.VoxelSize
	for z := 0; z < size.Depth; z++ {
		for y := 0; y < size.Height; y++ {
			src := v.Index(z0+z, y0+y, x0)
			dst := out.Index(z, y, 0)
			copy(out.Data[dst:dst+size.Width], v.Data[src:src+size.Width])
		}
	}
	return out, nil
}
