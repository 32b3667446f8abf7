package preprocess

import (
	"fmt"

	"gorgonia.org/tensor"

	"mrivolprep/internal/models"
)

// Pack stacks one volume per channel into a float32 tensor of shape (C, D, H, W).
// A single-modality example packs one volume, a dual-modality example two.
func Pack(volumes ...*models.Volume) (*tensor.Dense, error) {
	if len(volumes) == 0 {
		return nil, fmt.Errorf("pack needs at least one volume")
	}

	shape := volumes[0].Shape()
	for i, v := range volumes {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		if v.Shape() != shape {
			return nil, fmt.Errorf("channel %d has shape %s, channel 0 has %s", i, v.Shape(), shape)
		}
	}

	backing := make([]float32, 0, len(volumes)*shape.Len())
	for _, v := range volumes {
		for _, value := range v.Data {
			backing = append(backing, float32(value))
		}
	}

	return tensor.New(
		tensor.WithShape(len(volumes), shape.Depth, shape.Height, shape.Width),
		tensor.WithBacking(backing),
	), nil
}

// Stack collates packed examples into a batch tensor of shape (N, C, D, H, W)
func Stack(examples []*tensor.Dense) (*tensor.Dense, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("stack needs at least one tensor")
	}

	first := examples[0].Shape().Clone()
	if first.Dims() != 4 {
		return nil, fmt.Errorf("expected rank-4 tensors, got shape %v", first)
	}

	backing := make([]float32, 0, len(examples)*first.TotalSize())
	for i, t := range examples {
		if !t.Shape().Eq(first) {
			return nil, fmt.Errorf("tensor %d has shape %v, tensor 0 has %v", i, t.Shape(), first)
		}
		data, ok := t.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("tensor %d has dtype %v, need float32", i, t.Dtype())
		}
		backing = append(backing, data...)
	}

	dims := append([]int{len(examples)}, first...)
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(backing)), nil
}

// Channel returns channel c of a packed (C, D, H, W) tensor as a volume
func Channel(t *tensor.Dense, c int) (*models.Volume, error) {
	shape := t.Shape()
	if shape.Dims() != 4 {
		return nil, fmt.Errorf("expected rank-4 tensor, got shape %v", shape)
	}
	if c < 0 || c >= shape[0] {
		return nil, fmt.Errorf("channel %d out of range [0, %d)", c, shape[0])
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor has dtype %v, need float32", t.Dtype())
	}

	vs := models.Shape{Depth: shape[1], Height: shape[2], Width: shape[3]}
	n := vs.Len()
	out := models.NewVolume(vs)
	for i, value := range data[c*n : (c+1)*n] {
		out.Data[i] = float64(value)
	}
	return out, nil
}

// Example returns example n of a stacked (N, C, D, H, W) batch as a (C, D, H, W)
// tensor. The result shares no memory with the batch.
func Example(batch *tensor.Dense, n int) (*tensor.Dense, error) {
	shape := batch.Shape()
	if shape.Dims() != 5 {
		return nil, fmt.Errorf("expected rank-5 tensor, got shape %v", shape)
	}
	if n < 0 || n >= shape[0] {
		return nil, fmt.Errorf("example %d out of range [0, %d)", n, shape[0])
	}
	data, ok := batch.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor has dtype %v, need float32", batch.Dtype())
	}

	size := shape[1] * shape[2] * shape[3] * shape[4]
	backing := make([]float32, size)
	copy(backing, data[n*size:(n+1)*size])
	return tensor.New(tensor.WithShape(shape[1], shape[2], shape[3], shape[4]), tensor.WithBacking(backing)), nil
}
