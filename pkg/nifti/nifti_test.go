package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrivolprep/internal/models"
)

// gradientVolume fills a volume with z*100 + y*10 + x so positions are easy to check
func gradientVolume(shape models.Shape) *models.Volume {
	v := models.NewVolume(shape)
	for z := 0; z < shape.Depth; z++ {
		for y := 0; y < shape.Height; y++ {
			for x := 0; x < shape.Width; x++ {
				v.Set(z, y, x, float64(z*100+y*10+x))
			}
		}
	}
	return v
}

func TestWriteReadCompressed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "brain_t1.nii.gz")

	v := gradientVolume(models.Shape{Depth: 3, Height: 4, Width: 5})
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 0.5, 0.75, 2
	require.NoError(t, Write(path, v))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1f, 0x8b}, raw[:2], "expected a gzip stream")

	img, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, models.Shape{Depth: 3, Height: 4, Width: 5}, img.Shape)
	assert.Equal(t, binary.LittleEndian, img.ByteOrder)
	assert.Equal(t, DTFloat32, img.Header.Datatype)

	got := img.Volume()
	assert.Equal(t, v.Data, got.Data)
	assert.Equal(t, 123.0, got.At(1, 2, 3))
	assert.InDelta(t, 0.5, got.VoxelSize.X, 1e-6)
	assert.InDelta(t, 0.75, got.VoxelSize.Y, 1e-6)
	assert.InDelta(t, 2.0, got.VoxelSize.Z, 1e-6)
}

func TestReadUncompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.nii")
	v := gradientVolume(models.Shape{Depth: 2, Height: 2, Width: 2})
	require.NoError(t, Write(path, v))

	got, err := ReadVolume(path)
	require.NoError(t, err)
	assert.Equal(t, v.Data, got.Data)
}

// rawFile assembles a NIfTI-1 stream from a header and pre-encoded voxels
func rawFile(t *testing.T, order binary.ByteOrder, h *Header, voxels []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, order, h))
	buf.Write([]byte{0, 0, 0, 0})
	buf.Write(voxels)
	return buf.Bytes()
}

func int16Header(dims [8]int16) *Header {
	h := &Header{
		SizeofHdr: headerSize,
		Dim:       dims,
		Datatype:  DTInt16,
		Bitpix:    16,
		VoxOffset: defaultVoxOffset,
	}
	copy(h.Magic[:], "n+1\x00")
	return h
}

func TestDecodeBigEndianInt16WithScaling(t *testing.T) {
	h := int16Header([8]int16{3, 2, 1, 1, 1, 1, 1, 1})
	h.SclSlope = 2
	h.SclInter = -1

	voxels := make([]byte, 4)
	binary.BigEndian.PutUint16(voxels[0:], 0xFFFD) // -3
	binary.BigEndian.PutUint16(voxels[2:], 10)

	img, err := Decode(bytes.NewReader(rawFile(t, binary.BigEndian, h, voxels)))
	require.NoError(t, err)
	assert.Equal(t, binary.BigEndian, img.ByteOrder)
	assert.Equal(t, []float64{-7, 19}, img.Data)
}

func TestDecodeFourDimensionalTakesFirstVolume(t *testing.T) {
	h := int16Header([8]int16{4, 2, 1, 1, 3, 1, 1, 1})
	voxels := make([]byte, 2*2*3)
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint16(voxels[2*i:], uint16(i+1))
	}

	img, err := Decode(bytes.NewReader(rawFile(t, binary.LittleEndian, h, voxels)))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, img.Data)
	assert.Equal(t, models.Shape{Depth: 1, Height: 1, Width: 2}, img.Shape)
}

func TestDecodeRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *Header)
	}{
		{"pair file", func(h *Header) { copy(h.Magic[:], "ni1\x00") }},
		{"bad magic", func(h *Header) { copy(h.Magic[:], "xyz\x00") }},
		{"two dimensions", func(h *Header) { h.Dim[0] = 2 }},
		{"zero extent", func(h *Header) { h.Dim[2] = 0 }},
		{"complex datatype", func(h *Header) { h.Datatype = 32 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := int16Header([8]int16{3, 1, 1, 1, 1, 1, 1, 1})
			tt.mutate(h)
			_, err := Decode(bytes.NewReader(rawFile(t, binary.LittleEndian, h, make([]byte, 8))))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnsupported), "got %v", err)
		})
	}
}

func TestDecodeTruncatedData(t *testing.T) {
	h := int16Header([8]int16{3, 4, 4, 4, 1, 1, 1, 1})
	_, err := Decode(bytes.NewReader(rawFile(t, binary.LittleEndian, h, make([]byte, 10))))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeOversizedHeaderFailsWithoutAllocating(t *testing.T) {
	h := int16Header([8]int16{3, 32767, 32767, 32767, 1, 1, 1, 1})
	h.Datatype = DTFloat64
	h.Bitpix = 64
	_, err := Decode(bytes.NewReader(rawFile(t, binary.LittleEndian, h, make([]byte, 64))))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.nii.gz"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
