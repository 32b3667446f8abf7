package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"mrivolprep/internal/models"
)

// Write saves a volume as float32 NIfTI-1. The file is gzipped when path ends in .gz.
func Write(path string, v *models.Volume) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	bw := bufio.NewWriter(w)
	if err := Encode(bw, v); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// Encode writes an uncompressed little-endian float32 NIfTI-1 stream
func Encode(w io.Writer, v *models.Volume) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if v.Width > math.MaxInt16 || v.Height > math.MaxInt16 || v.Depth > math.MaxInt16 {
		return fmt.Errorf("%w: volume %s exceeds NIfTI-1 dimension limits", ErrUnsupported, v.Shape())
	}

	h := NewHeader(v)
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	// Extension flag: no extensions follow
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, 4*len(v.Data))
	for i, value := range v.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(value)))
	}
	_, err := w.Write(buf)
	return err
}

// NewHeader builds a float32 header describing v
func NewHeader(v *models.Volume) *Header {
	h := &Header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: defaultVoxOffset,
		SclSlope:  1,
		XYZTUnits: 2, // millimetres
	}
	h.Dim = [8]int16{3, int16(v.Width), int16(v.Height), int16(v.Depth), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(spacing(float32(v.VoxelSize.X))), float32(spacing(float32(v.VoxelSize.Y))), float32(spacing(float32(v.VoxelSize.Z))), 1, 1, 1, 1}
	copy(h.Magic[:], "n+1\x00")
	copy(h.Descrip[:], "mrivolprep")
	return h
}
