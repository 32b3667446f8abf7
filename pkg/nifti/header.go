// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and .nii.gz).
//
// Only the voxel array and its shape are interpreted. Orientation metadata
// (qform/sform) is carried in the header but never applied: voxels keep their
// on-disk order, which is i fastest, then j, then k. That order maps directly
// onto models.Volume with Width = dim[1], Height = dim[2] and Depth = dim[3].
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	headerSize = 348

	// defaultVoxOffset is the header plus the 4-byte extension flag
	defaultVoxOffset = 352
)

// NIfTI-1 datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

// ErrUnsupported is returned for files this package cannot decode
var ErrUnsupported = errors.New("unsupported nifti file")

// Header is the 348-byte NIfTI-1 header, laid out field for field as on disk
type Header struct {
	SizeofHdr      int32
	DataTypeUnused [10]byte
	DBName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte
	Dim            [8]int16
	IntentP1       float32
	IntentP2       float32
	IntentP3       float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      byte
	XYZTUnits      byte
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	Toffset        float32
	Glmax          int32
	Glmin          int32
	Descrip        [80]byte
	AuxFile        [24]byte
	QformCode      int16
	SformCode      int16
	QuaternB       float32
	QuaternC       float32
	QuaternD       float32
	QoffsetX       float32
	QoffsetY       float32
	QoffsetZ       float32
	SrowX          [4]float32
	SrowY          [4]float32
	SrowZ          [4]float32
	IntentName     [16]byte
	Magic          [4]byte
}

// parseHeader decodes raw header bytes, detecting the byte order from sizeof_hdr
func parseHeader(raw []byte) (*Header, binary.ByteOrder, error) {
	if len(raw) < headerSize {
		return nil, nil, fmt.Errorf("%w: header is %d bytes, need %d", ErrUnsupported, len(raw), headerSize)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw[:4]) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[:4]) == headerSize:
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("%w: sizeof_hdr is not %d (NIfTI-2 is not supported)", ErrUnsupported, headerSize)
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, h); err != nil {
		return nil, nil, fmt.Errorf("error decoding header: %w", err)
	}

	switch h.MagicString() {
	case "n+1":
	case "ni1":
		return nil, nil, fmt.Errorf("%w: header/image pair files (.hdr/.img) are not supported", ErrUnsupported)
	default:
		return nil, nil, fmt.Errorf("%w: bad magic %q", ErrUnsupported, h.MagicString())
	}

	return h, order, nil
}

// MagicString returns the magic field without its trailing NUL bytes
func (h *Header) MagicString() string {
	return strings.TrimRight(string(h.Magic[:]), "\x00")
}

// Description returns the descrip field as a string
func (h *Header) Description() string {
	return strings.TrimRight(string(h.Descrip[:]), "\x00")
}

// SpatialDims returns (nx, ny, nz), validating the dimension count
func (h *Header) SpatialDims() (nx, ny, nz int, err error) {
	ndim := int(h.Dim[0])
	if ndim < 3 || ndim > 7 {
		return 0, 0, 0, fmt.Errorf("%w: %d dimensions, need 3 to 7", ErrUnsupported, ndim)
	}
	nx, ny, nz = int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: non-positive spatial dimensions %dx%dx%d", ErrUnsupported, nx, ny, nz)
	}
	return nx, ny, nz, nil
}

// bytesPerVoxel returns the storage size of one voxel of the header's datatype
func (h *Header) bytesPerVoxel() (int, error) {
	switch h.Datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTInt64, DTUint64, DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: datatype %d", ErrUnsupported, h.Datatype)
	}
}
