package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"

	"mrivolprep/internal/models"
)

// Image is a decoded NIfTI file: its header plus the first 3D volume of voxel data
type Image struct {
	Header *Header

	// ByteOrder is the byte order the file was written in
	ByteOrder binary.ByteOrder

	// Data holds the scaled voxel values in on-disk order (x fastest)
	Data []float64

	// Shape is the (Z, Y, X) extent of Data
	Shape models.Shape
}

// Read loads a .nii or .nii.gz file. Compression is detected from the content.
func Read(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return img, nil
}

// ReadVolume loads a file and returns its voxel data as a volume
func ReadVolume(path string) (*models.Volume, error) {
	img, err := Read(path)
	if err != nil {
		return nil, err
	}
	return img.Volume(), nil
}

// Decode reads a NIfTI-1 stream, transparently un-gzipping it
func Decode(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br

	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("error opening gzip stream: %w", err)
		}
		defer gz.Close()
		src = bufio.NewReader(gz)
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(src, raw); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}
	h, order, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	nx, ny, nz, err := h.SpatialDims()
	if err != nil {
		return nil, err
	}
	bpv, err := h.bytesPerVoxel()
	if err != nil {
		return nil, err
	}

	// Skip extensions; a single-file header never places data before byte 352
	offset := int64(h.VoxOffset)
	if offset < defaultVoxOffset {
		offset = defaultVoxOffset
	}
	if _, err := io.CopyN(io.Discard, src, offset-headerSize); err != nil {
		return nil, fmt.Errorf("error seeking to voxel data: %w", err)
	}

	// Only the first volume of a 4D+ series is read. The buffer grows with the
	// bytes present rather than the size the header claims.
	n := nx * ny * nz
	size := int64(n) * int64(bpv)
	buf, err := io.ReadAll(io.LimitReader(src, size))
	if err != nil {
		return nil, fmt.Errorf("error reading %d voxels: %w", n, err)
	}
	if int64(len(buf)) < size {
		return nil, fmt.Errorf("error reading %d voxels: got %d of %d bytes: %w", n, len(buf), size, io.ErrUnexpectedEOF)
	}

	data := decodeVoxels(buf, n, h.Datatype, order)
	applyScaling(data, h.SclSlope, h.SclInter)

	return &Image{
		Header:    h,
		ByteOrder: order,
		Data:      data,
		Shape:     models.Shape{Depth: nz, Height: ny, Width: nx},
	}, nil
}

// Volume wraps the image data as a models.Volume carrying the voxel spacing
func (img *Image) Volume() *models.Volume {
	v := &models.Volume{
		Data:   img.Data,
		Width:  img.Shape.Width,
		Height: img.Shape.Height,
		Depth:  img.Shape.Depth,
	}
	v.VoxelSize.X = spacing(img.Header.Pixdim[1])
	v.VoxelSize.Y = spacing(img.Header.Pixdim[2])
	v.VoxelSize.Z = spacing(img.Header.Pixdim[3])
	return v
}

func spacing(p float32) float64 {
	if p <= 0 || math.IsNaN(float64(p)) || math.IsInf(float64(p), 0) {
		return 1
	}
	return float64(p)
}

// decodeVoxels converts raw bytes to float64. The datatype has already been validated.
func decodeVoxels(buf []byte, n int, datatype int16, order binary.ByteOrder) []float64 {
	out := make([]float64, n)
	switch datatype {
	case DTUint8:
		for i := range out {
			out[i] = float64(buf[i])
		}
	case DTInt8:
		for i := range out {
			out[i] = float64(int8(buf[i]))
		}
	case DTInt16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(buf[2*i:])))
		}
	case DTUint16:
		for i := range out {
			out[i] = float64(order.Uint16(buf[2*i:]))
		}
	case DTInt32:
		for i := range out {
			out[i] = float64(int32(order.Uint32(buf[4*i:])))
		}
	case DTUint32:
		for i := range out {
			out[i] = float64(order.Uint32(buf[4*i:]))
		}
	case DTFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		}
	case DTInt64:
		for i := range out {
			out[i] = float64(int64(order.Uint64(buf[8*i:])))
		}
	case DTUint64:
		for i := range out {
			out[i] = float64(order.Uint64(buf[8*i:]))
		}
	case DTFloat64:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(buf[8*i:]))
		}
	}
	return out
}

// applyScaling applies scl_slope/scl_inter. A zero or non-finite slope means unscaled data.
func applyScaling(data []float64, slope, inter float32) {
	s, b := float64(slope), float64(inter)
	if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return
	}
	if math.IsNaN(b) || math.IsInf(b, 0) {
		b = 0
	}
	if s == 1 && b == 0 {
		return
	}
	for i, v := range data {
		data[i] = v*s + b
	}
}
